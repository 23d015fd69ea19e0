package eventlog

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// Open returns the best available sink: journald when its socket is
// reachable, otherwise a line-oriented writer on stderr.
func Open() Log {
	if journal.Enabled() {
		return journaldLog{}
	}
	return &writerLog{out: os.Stderr}
}

// journaldLog sends entries to systemd-journald with netap fields
// attached as journal fields.
type journaldLog struct{}

func (journaldLog) Emit(message string, fields map[string]string) error {
	return journal.Send(message, journal.PriInfo, cloneFields(fields))
}

func (journaldLog) Close() error { return nil }

// writerLog renders entries as single text lines, fields sorted for
// stable output.
type writerLog struct {
	out io.Writer
}

func (l *writerLog) Emit(message string, fields map[string]string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(message)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%s", name, fields[name])
	}
	_, err := fmt.Fprintln(l.out, b.String())
	return err
}

func (l *writerLog) Close() error { return nil }
