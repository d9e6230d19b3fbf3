package makemkv

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// TitleInfo describes one video track as reported by a disc scan.
type TitleInfo struct {
	Index           int
	Name            string
	DurationSeconds float64
	Bytes           int64
	Chapters        int
	Resolution      string
	OutputFilename  string
}

// DiscInfo is the result of a disc scan.
type DiscInfo struct {
	Name        string
	VolumeLabel string
	Titles      []TitleInfo
}

// TINFO attribute codes used by the scan parser.
const (
	attrName       = 2
	attrChapters   = 8
	attrDuration   = 9
	attrBytes      = 11
	attrOutputFile = 27
)

// CINFO attribute codes.
const (
	attrDiscName    = 2
	attrVolumeLabel = 32
)

// SINFO attribute code for video resolution ("1920x1080").
const attrVideoSize = 19

type scanParser struct {
	disc   DiscInfo
	titles map[int]*TitleInfo
}

func newScanParser() *scanParser {
	return &scanParser{titles: make(map[int]*TitleInfo)}
}

func (p *scanParser) feed(line string) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "CINFO:"):
		p.feedCINFO(strings.TrimPrefix(line, "CINFO:"))
	case strings.HasPrefix(line, "TINFO:"):
		p.feedTINFO(strings.TrimPrefix(line, "TINFO:"))
	case strings.HasPrefix(line, "SINFO:"):
		p.feedSINFO(strings.TrimPrefix(line, "SINFO:"))
	}
}

func (p *scanParser) feedCINFO(payload string) {
	fields := splitRobotFields(payload, 3)
	if len(fields) < 3 {
		return
	}
	attr, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	value := unquote(fields[2])
	switch attr {
	case attrDiscName:
		p.disc.Name = value
	case attrVolumeLabel:
		p.disc.VolumeLabel = value
	}
}

func (p *scanParser) feedTINFO(payload string) {
	fields := splitRobotFields(payload, 4)
	if len(fields) < 4 {
		return
	}
	index, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	attr, err := strconv.Atoi(fields[1])
	if err != nil {
		return
	}
	value := unquote(fields[3])

	title := p.title(index)
	switch attr {
	case attrName:
		title.Name = value
	case attrChapters:
		if n, err := strconv.Atoi(value); err == nil {
			title.Chapters = n
		}
	case attrDuration:
		if seconds, ok := parseDuration(value); ok {
			title.DurationSeconds = seconds
		}
	case attrBytes:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			title.Bytes = n
		}
	case attrOutputFile:
		title.OutputFilename = value
	}
}

func (p *scanParser) feedSINFO(payload string) {
	fields := splitRobotFields(payload, 5)
	if len(fields) < 5 {
		return
	}
	index, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	attr, err := strconv.Atoi(fields[2])
	if err != nil {
		return
	}
	if attr != attrVideoSize {
		return
	}
	title := p.title(index)
	if title.Resolution == "" {
		title.Resolution = unquote(fields[4])
	}
}

func (p *scanParser) title(index int) *TitleInfo {
	if title, ok := p.titles[index]; ok {
		return title
	}
	title := &TitleInfo{Index: index}
	p.titles[index] = title
	return title
}

func (p *scanParser) result() *DiscInfo {
	info := p.disc
	info.Titles = make([]TitleInfo, 0, len(p.titles))
	for _, title := range p.titles {
		info.Titles = append(info.Titles, *title)
	}
	sort.Slice(info.Titles, func(i, j int) bool {
		return info.Titles[i].Index < info.Titles[j].Index
	})
	return &info
}

// EventKind discriminates rip event variants.
type EventKind int

const (
	EventProgress EventKind = iota
	EventTotalTitles
	EventFileCreated
	EventMessage
)

// Event is one parsed line of rip output.
type Event struct {
	Kind        EventKind
	Percent     float64
	TotalTitles int
	Filename    string
	Message     string
}

// ParseRipLine translates a raw output line into an Event.
func ParseRipLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "PRGV:"):
		return parsePRGV(strings.TrimPrefix(line, "PRGV:"))
	case strings.HasPrefix(line, "PRGC:"):
		return parsePRGC(strings.TrimPrefix(line, "PRGC:"))
	case strings.HasPrefix(line, "MSG:"):
		return parseMSG(strings.TrimPrefix(line, "MSG:"))
	}
	return Event{}, false
}

// parsePRGV handles PRGV:current,total,max. Percent is current/max.
func parsePRGV(payload string) (Event, bool) {
	parts := strings.Split(payload, ",")
	if len(parts) < 3 {
		return Event{}, false
	}
	current, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Event{}, false
	}
	max, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil || max <= 0 {
		return Event{}, false
	}
	percent := current / max * 100
	if percent > 100 {
		percent = 100
	}
	return Event{Kind: EventProgress, Percent: percent}, true
}

// parsePRGC handles PRGC:code,index,name; the index field carries the
// sub-task count in all-titles mode.
func parsePRGC(payload string) (Event, bool) {
	parts := strings.Split(payload, ",")
	if len(parts) < 2 {
		return Event{}, false
	}
	total, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Event{}, false
	}
	return Event{Kind: EventTotalTitles, TotalTitles: total}, true
}

func parseMSG(payload string) (Event, bool) {
	parts := splitRobotFields(payload, 4)
	if len(parts) < 4 {
		return Event{}, false
	}
	message := messageField(parts[3])
	if filename, ok := CreatedFilename(message); ok {
		return Event{Kind: EventFileCreated, Filename: filename, Message: message}, true
	}
	return Event{Kind: EventMessage, Message: message}, true
}

// messageField extracts the quoted message from the tail of a MSG line,
// which carries trailing format arguments after the message itself.
func messageField(tail string) string {
	tail = strings.TrimSpace(tail)
	if strings.HasPrefix(tail, `"`) {
		if end := strings.Index(tail[1:], `"`); end >= 0 {
			return tail[1 : end+1]
		}
	}
	if idx := strings.Index(tail, ","); idx >= 0 {
		return unquote(tail[:idx])
	}
	return unquote(tail)
}

var mkvToken = regexp.MustCompile(`[^\s"']+\.mkv`)

// CreatedFilename extracts the .mkv filename from a "file created" message.
func CreatedFilename(message string) (string, bool) {
	if !strings.Contains(strings.ToLower(message), "created") {
		return "", false
	}
	match := mkvToken.FindString(message)
	if match == "" {
		return "", false
	}
	return match, true
}

var titleIndexPattern = regexp.MustCompile(`_t(\d+)\.mkv$`)

// TitleIndexFromFilename extracts the disc title index encoded in MakeMKV
// output names such as "The_Show_t03.mkv". Returns -1 when absent.
func TitleIndexFromFilename(name string) int {
	match := titleIndexPattern.FindStringSubmatch(strings.ToLower(name))
	if match == nil {
		return -1
	}
	index, err := strconv.Atoi(match[1])
	if err != nil {
		return -1
	}
	return index
}

// splitRobotFields splits a robot-mode payload into at most n fields,
// respecting quoted strings in the final field.
func splitRobotFields(payload string, n int) []string {
	fields := make([]string, 0, n)
	rest := payload
	for len(fields) < n-1 {
		idx := strings.Index(rest, ",")
		if idx < 0 {
			break
		}
		fields = append(fields, strings.TrimSpace(rest[:idx]))
		rest = rest[idx+1:]
	}
	fields = append(fields, strings.TrimSpace(rest))
	return fields
}

func unquote(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		return value[1 : len(value)-1]
	}
	return value
}

func parseDuration(value string) (float64, bool) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0.0
	for _, part := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}
