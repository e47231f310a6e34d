package storage

// StatsRecord is one row of aggregated_stats: the accumulated open and
// active time for a URL on a calendar day.
type StatsRecord struct {
	Key             string `json:"key"`
	Date            string `json:"date"`
	URL             string `json:"url"`
	Hostname        string `json:"hostname"`
	ParentDomain    string `json:"parentDomain"`
	TotalOpenTime   int64  `json:"totalOpenTime"`
	TotalActiveTime int64  `json:"totalActiveTime"`
	LastUpdated     int64  `json:"lastUpdated"`
}

// StatsDelta is an additive contribution to one StatsRecord. Times are in
// milliseconds.
type StatsDelta struct {
	Date         string
	URL          string
	Hostname     string
	ParentDomain string
	OpenTime     int64
	ActiveTime   int64
	UpdatedAt    int64
}

// Key returns the aggregated_stats primary key for the delta.
func (d StatsDelta) Key() string { return StatsKey(d.Date, d.URL) }

// StatsKey builds the "date:url" key.
func StatsKey(date, url string) string { return date + ":" + url }

// StatsQuery defines filters for reading aggregated stats. Dates are
// inclusive YYYY-MM-DD strings; empty fields do not filter.
type StatsQuery struct {
	Since        string
	Until        string
	Hostname     string
	ParentDomain string
	Limit        int
	Offset       int
}

// LogStats summarizes the event log and stats tables.
type LogStats struct {
	TotalEvents       int64
	UnprocessedEvents int64
	ProcessedEvents   int64
	OldestEvent       int64
	NewestEvent       int64
	StatsRows         int64
	TotalOpenTime     int64
	TotalActiveTime   int64
	DatabaseSizeBytes int64
	TopHosts          []HostTotal
}

// HostTotal pairs a hostname with its accumulated open time.
type HostTotal struct {
	Hostname string `json:"hostname"`
	OpenTime int64  `json:"openTime"`
}

// Exclusion is a persisted URL filter rule.
type Exclusion struct {
	ID        int64  `json:"id"`
	RuleType  string `json:"ruleType"`
	RuleValue string `json:"ruleValue"`
	Reason    string `json:"reason"`
	IsDefault bool   `json:"isDefault"`
}

// Exclusion rule types.
const (
	RuleDomain = "domain"
	RuleRegex  = "regex"
)
