package identification

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// LabelInfo is what a volume label reveals about disc content.
type LabelInfo struct {
	Title  string
	Season int
	Disc   int
	Year   int
	IsTV   bool
	Usable bool
}

var genericLabels = map[string]struct{}{
	"":                  {},
	"DVD_VIDEO":         {},
	"DVD":               {},
	"BLURAY":            {},
	"BD_ROM":            {},
	"BDROM":             {},
	"UNTITLED":          {},
	"UNDEFINED":         {},
	"NEW_VOLUME":        {},
	"LOGICAL_VOLUME_ID": {},
	"MY_DISC":           {},
}

var (
	tvLabelPattern    = regexp.MustCompile(`(?i)^(.+?)[_ ]S(\d{1,2})[_ ]?D(?:ISC)?[_ ]?(\d{1,2})$`)
	tvSeasonPattern   = regexp.MustCompile(`(?i)^(.+?)[_ ]S(?:EASON)?[_ ]?(\d{1,2})$`)
	movieYearPattern  = regexp.MustCompile(`^(.+?)[_ ]((?:19|20)\d{2})$`)
	titleCaser        = cases.Title(language.English)
	allDigitsOrPunct  = regexp.MustCompile(`^[\d_\- ]+$`)
	repeatedSeparator = regexp.MustCompile(`[_ ]+`)
)

// ParseLabel extracts show/movie hints from an optical volume label such as
// "THE_SHOW_S01D1" or "INCEPTION_2010". Usable is false when the label is a
// mastering artifact that identifies nothing.
func ParseLabel(label string) LabelInfo {
	trimmed := strings.TrimSpace(label)
	upper := strings.ToUpper(trimmed)
	if _, generic := genericLabels[upper]; generic || allDigitsOrPunct.MatchString(trimmed) {
		return LabelInfo{Usable: false}
	}

	if match := tvLabelPattern.FindStringSubmatch(trimmed); match != nil {
		season, _ := strconv.Atoi(match[2])
		disc, _ := strconv.Atoi(match[3])
		return LabelInfo{
			Title:  humanizeLabel(match[1]),
			Season: season,
			Disc:   disc,
			IsTV:   true,
			Usable: true,
		}
	}
	if match := tvSeasonPattern.FindStringSubmatch(trimmed); match != nil {
		season, _ := strconv.Atoi(match[2])
		return LabelInfo{
			Title:  humanizeLabel(match[1]),
			Season: season,
			Disc:   1,
			IsTV:   true,
			Usable: true,
		}
	}
	if match := movieYearPattern.FindStringSubmatch(trimmed); match != nil {
		year, _ := strconv.Atoi(match[2])
		return LabelInfo{
			Title:  humanizeLabel(match[1]),
			Year:   year,
			Usable: true,
		}
	}

	return LabelInfo{Title: humanizeLabel(trimmed), Disc: 1, Usable: true}
}

// humanizeLabel converts "THE_LAST_KINGDOM" to "The Last Kingdom".
func humanizeLabel(raw string) string {
	spaced := repeatedSeparator.ReplaceAllString(strings.TrimSpace(raw), " ")
	return titleCaser.String(strings.ToLower(spaced))
}
