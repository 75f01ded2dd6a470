package common

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ParseLogQuery разбирает page, limit, level, startDate и endDate
func ParseLogQuery(values url.Values) (LogQuery, error) {
	pq, err := parsePageQuery(values, DefaultLogLimit)
	if err != nil {
		return LogQuery{}, err
	}
	q := LogQuery{PageQuery: pq}
	if level := values.Get("level"); level != "" {
		q.Level = LogLevel(strings.ToUpper(level))
	}
	return q, nil
}

// ParseTelemetryQuery разбирает page, limit, startDate, endDate, minAltitude и maxAltitude
func ParseTelemetryQuery(values url.Values) (TelemetryQuery, error) {
	pq, err := parsePageQuery(values, DefaultTelemetryLimit)
	if err != nil {
		return TelemetryQuery{}, err
	}
	q := TelemetryQuery{PageQuery: pq}
	if q.MinAltitude, err = parseOptionalFloat(values.Get("minAltitude"), "minAltitude"); err != nil {
		return TelemetryQuery{}, err
	}
	if q.MaxAltitude, err = parseOptionalFloat(values.Get("maxAltitude"), "maxAltitude"); err != nil {
		return TelemetryQuery{}, err
	}
	return q, nil
}

func parsePageQuery(values url.Values, defaultLimit int) (PageQuery, error) {
	q := PageQuery{Page: 1, Limit: defaultLimit}

	var err error
	if q.Page, err = parsePositive(values.Get("page"), "page", 1); err != nil {
		return q, err
	}
	if q.Limit, err = parsePositive(values.Get("limit"), "limit", defaultLimit); err != nil {
		return q, err
	}
	if q.StartDate, err = parseDate(values.Get("startDate"), "startDate"); err != nil {
		return q, err
	}
	if q.EndDate, err = parseDate(values.Get("endDate"), "endDate"); err != nil {
		return q, err
	}
	return q, nil
}

func parsePositive(s, name string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def, fmt.Errorf("%s must be a positive integer", name)
	}
	return v, nil
}

// parseDate принимает RFC 3339 или дату без времени (начало суток UTC)
func parseDate(s, name string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s must be an RFC 3339 timestamp or YYYY-MM-DD", name)
}

func parseOptionalFloat(s, name string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", name)
	}
	return &v, nil
}
