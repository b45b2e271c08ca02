package patchview

import "errors"

var errGeoKeyParse = errors.New("geokey parse error")

type geoKey uint16

const (
	geoKeyGTModelType  geoKey = 1024
	geoKeyGTRasterType geoKey = 1025
	geoKeyGTCitation   geoKey = 1026

	geoKeyGeodeticCRS  geoKey = 2048
	geoKeyGeogCitation geoKey = 2049

	geoKeyProjectedCRS geoKey = 3072
	geoKeyPCSCitation  geoKey = 3073
)

const (
	modelTypeProjected  = 1
	modelTypeGeographic = 2

	// Key value meaning "user-defined", i.e. no EPSG code.
	geoKeyUserDefined = 32767
)

type parsedGeoKeys struct {
	params       map[geoKey]int
	doubleParams map[geoKey]float64
	asciiParams  map[geoKey]string
}

func parseGeoKeys(directory []uint16, doubleParams []float64, asciiParams string) (*parsedGeoKeys, error) {
	if len(directory) < 4 {
		return nil, errGeoKeyParse
	}

	if keyDirectoryVersion := int(directory[0]); keyDirectoryVersion != 1 {
		return nil, errGeoKeyParse
	}
	if keyRevision := int(directory[1]); keyRevision != 1 {
		return nil, errGeoKeyParse
	}
	if minorRevision := int(directory[2]); minorRevision != 0 && minorRevision != 1 {
		return nil, errGeoKeyParse
	}
	numberOfKeys := int(directory[3])
	if len(directory) != 4+4*numberOfKeys {
		return nil, errGeoKeyParse
	}

	keys := &parsedGeoKeys{
		params:       make(map[geoKey]int),
		doubleParams: make(map[geoKey]float64),
		asciiParams:  make(map[geoKey]string),
	}
	for i := range numberOfKeys {
		keyValues := directory[4+4*i : 4+4*(i+1)]
		key := geoKey(keyValues[0])
		tiffTagLocation := int(keyValues[1])
		numberOfValues := int(keyValues[2])
		switch tiffTagLocation {
		case 0:
			if numberOfValues != 1 {
				return nil, errGeoKeyParse
			}
			keys.params[key] = int(keyValues[3])
		case 34736: // GeoDoubleParamsTag
			index := int(keyValues[3])
			if numberOfValues != 1 {
				return nil, errors.ErrUnsupported
			}
			if index >= len(doubleParams) {
				return nil, errGeoKeyParse
			}
			keys.doubleParams[key] = doubleParams[index]
		case 34737: // GeoASCIIParamsTag
			index := int(keyValues[3])
			if index+numberOfValues > len(asciiParams) {
				return nil, errGeoKeyParse
			}
			keys.asciiParams[key] = asciiParams[index : index+numberOfValues]
		default:
			return nil, errors.ErrUnsupported
		}
	}
	return keys, nil
}

// epsgCode returns the EPSG code of the raster's spatial reference: the
// projected CRS key when the model type is projected, otherwise the geodetic
// CRS key.
func (k *parsedGeoKeys) epsgCode() (int, error) {
	switch k.params[geoKeyGTModelType] {
	case modelTypeProjected:
		if code, ok := k.params[geoKeyProjectedCRS]; ok && code != geoKeyUserDefined {
			return code, nil
		}
	case modelTypeGeographic:
		if code, ok := k.params[geoKeyGeodeticCRS]; ok && code != geoKeyUserDefined {
			return code, nil
		}
	}
	return 0, errGeoKeyParse
}
