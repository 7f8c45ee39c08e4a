// Package timeutil is the built-in time tool module: current time, timestamp
// formatting, and relative phrasing, timezone-aware. It doubles as the
// reference consumer of the toolkit module SDK.
package timeutil

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/squirehq/squire/pkg/models"
	"github.com/squirehq/squire/pkg/toolkit"
)

// ModuleName is the catalog name personas reference.
const ModuleName = "timeutil"

type settings struct {
	now func() time.Time
}

// Option configures the module.
type Option func(*settings)

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

type nowParams struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA zone name; empty uses the server zone."`
	Format   string `json:"format,omitempty" jsonschema:"description=Clock style: 12 or 24.,enum=12,enum=24"`
}

type formatParams struct {
	Timestamp any    `json:"timestamp" jsonschema:"description=RFC3339 string or unix seconds."`
	Timezone  string `json:"timezone,omitempty" jsonschema:"description=IANA zone name; empty uses the server zone."`
	Format    string `json:"format,omitempty" jsonschema:"description=Clock style: 12 or 24.,enum=12,enum=24"`
}

type sinceParams struct {
	Timestamp any `json:"timestamp" jsonschema:"description=RFC3339 string or unix seconds."`
}

// Module builds the timeutil tool module.
func Module(opts ...Option) toolkit.Module {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}

	return toolkit.Module{
		Name: ModuleName,
		Tools: []toolkit.Tool{
			{
				Name:        "time_now",
				Description: "Report the current time in a timezone, machine- and human-readable.",
				Schema:      toolkit.MustSchemaFor(nowParams{}),
				Handler: func(ctx context.Context, args models.Args, meta toolkit.Meta) (any, error) {
					var p nowParams
					if err := toolkit.DecodeArgs(args, &p); err != nil {
						return nil, err
					}
					loc, name, err := resolveZone(p.Timezone)
					if err != nil {
						return nil, err
					}
					now := s.now().In(loc)
					return stampView(now, name, p.Format), nil
				},
			},
			{
				Name:        "time_format",
				Description: "Render a timestamp in a timezone as a friendly string.",
				Schema:      toolkit.MustSchemaFor(formatParams{}),
				Handler: func(ctx context.Context, args models.Args, meta toolkit.Meta) (any, error) {
					var p formatParams
					if err := toolkit.DecodeArgs(args, &p); err != nil {
						return nil, err
					}
					t, err := parseStamp(p.Timestamp)
					if err != nil {
						return nil, err
					}
					loc, name, err := resolveZone(p.Timezone)
					if err != nil {
						return nil, err
					}
					return stampView(t.In(loc), name, p.Format), nil
				},
			},
			{
				Name:        "time_since",
				Description: "Phrase a timestamp relative to now, like '5 minutes ago' or 'in 2 hours'.",
				Schema:      toolkit.MustSchemaFor(sinceParams{}),
				Handler: func(ctx context.Context, args models.Args, meta toolkit.Meta) (any, error) {
					var p sinceParams
					if err := toolkit.DecodeArgs(args, &p); err != nil {
						return nil, err
					}
					t, err := parseStamp(p.Timestamp)
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"relative": relative(t, s.now()),
						"iso":      t.UTC().Format(time.RFC3339),
					}, nil
				},
			},
		},
	}
}

func stampView(t time.Time, zone, format string) map[string]any {
	return map[string]any{
		"iso":      t.Format(time.RFC3339),
		"unix":     t.Unix(),
		"friendly": friendly(t, format == "12"),
		"timezone": zone,
		"weekday":  t.Weekday().String(),
	}
}

// resolveZone loads a timezone, defaulting to the server's local zone; UTC is
// the last resort.
func resolveZone(name string) (*time.Location, string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		loc, err := time.LoadLocation(trimmed)
		if err != nil {
			return nil, "", models.NewToolError(models.KindValidation, "unknown timezone %q", trimmed)
		}
		return loc, trimmed, nil
	}
	loc := time.Now().Location()
	if loc == nil {
		return time.UTC, "UTC", nil
	}
	return loc, loc.String(), nil
}

// parseStamp accepts an RFC3339 string or unix seconds (number or numeric
// string).
func parseStamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, models.NewToolError(models.KindValidation, "timestamp is required")
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, nil
		}
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
		return time.Time{}, models.NewToolError(models.KindParse, "timestamp %q is not RFC3339 or unix seconds", v)
	case float64:
		return time.Unix(int64(v), 0).UTC(), nil
	case int:
		return time.Unix(int64(v), 0).UTC(), nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	default:
		return time.Time{}, models.NewToolError(models.KindValidation, "timestamp must be a string or number, got %T", raw)
	}
}

// friendly renders "Friday, January 24th, 2025 - 14:30" (or the 12-hour
// variant).
func friendly(t time.Time, twelveHour bool) string {
	day := t.Day()
	clock := t.Format("15:04")
	if twelveHour {
		hour := t.Hour()
		period := "AM"
		if hour >= 12 {
			period = "PM"
		}
		if hour == 0 {
			hour = 12
		} else if hour > 12 {
			hour -= 12
		}
		clock = fmt.Sprintf("%d:%02d %s", hour, t.Minute(), period)
	}
	return fmt.Sprintf("%s, %s %d%s, %d - %s",
		t.Weekday(), t.Month(), day, ordinalSuffix(day), t.Year(), clock)
}

// ordinalSuffix returns the English ordinal suffix for a day number; 11-13
// always take "th".
func ordinalSuffix(day int) string {
	if rem := day % 100; rem >= 11 && rem <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}

// relative phrases t against now in coarse human units.
func relative(t, now time.Time) string {
	diff := now.Sub(t)
	future := diff < 0
	if future {
		diff = -diff
	}

	value, unit := coarse(diff)
	switch {
	case value == 0:
		if future {
			return "in a moment"
		}
		return "just now"
	case unit == "day" && value == 1:
		if future {
			return "tomorrow"
		}
		return "yesterday"
	}

	plural := unit
	if value > 1 {
		plural += "s"
	}
	if future {
		return fmt.Sprintf("in %d %s", value, plural)
	}
	return fmt.Sprintf("%d %s ago", value, plural)
}

func coarse(d time.Duration) (int64, string) {
	seconds := int64(d.Seconds())
	switch {
	case seconds < 60:
		return 0, ""
	case seconds < 3600:
		return seconds / 60, "minute"
	case seconds < 86400:
		return seconds / 3600, "hour"
	case seconds < 7*86400:
		return seconds / 86400, "day"
	case seconds < 30*86400:
		return seconds / (7 * 86400), "week"
	case seconds < 365*86400:
		return seconds / (30 * 86400), "month"
	default:
		return seconds / (365 * 86400), "year"
	}
}
