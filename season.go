package patchview

// Season returns the season label for a capture name whose last eight
// characters are a YYYYMMDD calendar date. Labels follow the Northern
// Hemisphere convention. Names without a parseable date yield "unknown".
func Season(captureName string) string {
	date := captureName
	if len(date) > 8 {
		date = date[len(date)-8:]
	}
	if len(date) != 8 {
		return "unknown"
	}
	for i := range len(date) {
		if date[i] < '0' || date[i] > '9' {
			return "unknown"
		}
	}
	month := 10*int(date[4]-'0') + int(date[5]-'0')
	switch month {
	case 12, 1, 2:
		return "winter"
	case 3, 4, 5:
		return "spring"
	case 6, 7, 8:
		return "summer"
	case 9, 10, 11:
		return "fall"
	default:
		return "unknown"
	}
}
