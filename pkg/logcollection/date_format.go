package logcollection

import "strings"

// momentTokens maps PM2 (moment.js) date tokens to Go layout fragments,
// longest first so YYYY wins over YY
var momentTokens = []struct {
	token  string
	layout string
}{
	{"YYYY", "2006"},
	{"SSS", "000"},
	{"MMM", "Jan"},
	{"ddd", "Mon"},
	{"YY", "06"},
	{"MM", "01"},
	{"DD", "02"},
	{"HH", "15"},
	{"hh", "03"},
	{"mm", "04"},
	{"ss", "05"},
	{"ZZ", "-0700"},
	{"Z", "-07:00"},
	{"A", "PM"},
	{"a", "pm"},
}

// ConvertDateFormat turns a log_date_format such as "YYYY-MM-DD HH:mm:ss.SSS Z"
// into a time.Format layout. Unknown characters are copied as they are.
func ConvertDateFormat(format string) string {
	var b strings.Builder
	for i := 0; i < len(format); {
		matched := false
		for _, t := range momentTokens {
			if strings.HasPrefix(format[i:], t.token) {
				b.WriteString(t.layout)
				i += len(t.token)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(format[i])
			i++
		}
	}
	return b.String()
}
