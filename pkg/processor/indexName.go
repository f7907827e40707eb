package processor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrBadProject is returned for a document whose project cannot name an index.
var ErrBadProject = errors.New("bad project")

// placeholder matches "{date}" and the positional "{0:%Y.%m.%d}" form, where the
// index and the strftime format are both optional.
var placeholder = regexp.MustCompile(`\{(date|0?)(?::([^{}]*))?\}`)

// IndexName formats the project template of doc with now.
func IndexName(doc map[string]any, now time.Time) (string, error) {
	raw, ok := doc["project"]
	if !ok {
		return "", errors.Wrap(ErrBadProject, "missing project field")
	}
	project, ok := raw.(string)
	if !ok {
		return "", errors.Wrapf(ErrBadProject, "project is %T, not a string", raw)
	}
	return formatProject(project, now)
}

func formatProject(project string, now time.Time) (string, error) {
	var out strings.Builder
	last := 0
	for _, loc := range placeholder.FindAllStringSubmatchIndex(project, -1) {
		literal := project[last:loc[0]]
		if strings.ContainsAny(literal, "{}") {
			return "", errors.Wrapf(ErrBadProject, "unbalanced braces in %q", project)
		}
		out.WriteString(literal)

		field := project[loc[2]:loc[3]]
		switch {
		case loc[4] >= 0:
			out.WriteString(strftime(project[loc[4]:loc[5]], now))
		case field == "date":
			out.WriteString(now.Format("2006.01.02"))
		default:
			out.WriteString(now.Format("2006-01-02 15:04:05.000000"))
		}
		last = loc[1]
	}
	rest := project[last:]
	if strings.ContainsAny(rest, "{}") {
		return "", errors.Wrapf(ErrBadProject, "unbalanced braces in %q", project)
	}
	out.WriteString(rest)
	return out.String(), nil
}

// strftime covers the C directives clients put in index names.
func strftime(format string, t time.Time) string {
	var out strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 == len(format) {
			out.WriteByte(c)
			continue
		}
		i++
		switch format[i] {
		case 'Y':
			fmt.Fprintf(&out, "%04d", t.Year())
		case 'y':
			fmt.Fprintf(&out, "%02d", t.Year()%100)
		case 'm':
			fmt.Fprintf(&out, "%02d", int(t.Month()))
		case 'd':
			fmt.Fprintf(&out, "%02d", t.Day())
		case 'H':
			fmt.Fprintf(&out, "%02d", t.Hour())
		case 'M':
			fmt.Fprintf(&out, "%02d", t.Minute())
		case 'S':
			fmt.Fprintf(&out, "%02d", t.Second())
		case 'f':
			fmt.Fprintf(&out, "%06d", t.Nanosecond()/1000)
		case 'j':
			fmt.Fprintf(&out, "%03d", t.YearDay())
		case 'b':
			out.WriteString(t.Format("Jan"))
		case 'B':
			out.WriteString(t.Format("January"))
		case 'a':
			out.WriteString(t.Format("Mon"))
		case 'A':
			out.WriteString(t.Format("Monday"))
		case '%':
			out.WriteByte('%')
		default:
			out.WriteByte('%')
			out.WriteByte(format[i])
		}
	}
	return out.String()
}
