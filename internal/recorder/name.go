package recorder

import (
	"strings"

	"tunerd/internal/reserve"
)

const recordedDateLayout = "20060102-1504"

// Path separators and other characters that break a destination file
// name are swapped for their full-width lookalikes.
var nameSanitizer = strings.NewReplacer(
	"/", "／",
	"\\", "＼",
	"\x00", "",
)

// FormatRecordedName expands the destination file name template.
//
// Placeholders: <id>, <type>, <channel>, <channel-name>, <title>,
// <date> (program start, local time).
func FormatRecordedName(format string, r *reserve.Reservation) string {
	rep := strings.NewReplacer(
		"<id>", r.ID,
		"<type>", string(r.Channel.Type),
		"<channel>", r.Channel.Channel,
		"<channel-name>", nameSanitizer.Replace(r.Channel.Name),
		"<title>", nameSanitizer.Replace(r.Title),
		"<date>", r.Start.Local().Format(recordedDateLayout),
	)
	return rep.Replace(format)
}
