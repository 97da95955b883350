// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ntp

import (
	"fmt"
	"time"
)

// Datetime is a broken down calendar value as stored by an RTC.
//
// Datetime carries no zone: it holds whatever wall clock the RTC keeps (UTC unless
// a zone offset is configured).
type Datetime struct {
	Year    int
	Month   time.Month
	Day     int
	Weekday time.Weekday
	Hour    int
	Minute  int
	Second  int
}

// DatetimeFromTime breaks down t using its own location.
func DatetimeFromTime(t time.Time) Datetime {
	return Datetime{
		Year:    t.Year(),
		Month:   t.Month(),
		Day:     t.Day(),
		Weekday: t.Weekday(),
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Second:  t.Second(),
	}
}

// Time interprets the calendar value as UTC.
func (dt Datetime) Time() time.Time {
	return time.Date(dt.Year, dt.Month, dt.Day, dt.Hour, dt.Minute, dt.Second, 0, time.UTC)
}

func (dt Datetime) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d %s", dt.Year, int(dt.Month), dt.Day, dt.Hour, dt.Minute, dt.Second, dt.Weekday)
}
