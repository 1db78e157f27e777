package netatmo

import "time"

// Measurement is the most recent sample of one measurement type.
type Measurement struct {
	Type  string
	Value float64
	// Time is the sample start time reported by the API; zero when absent.
	Time time.Time
}

// MeasureRequest is the query sent to getmeasure.
type MeasureRequest struct {
	DeviceID string
	ModuleID string
	Type     string
	Scale    string
	Limit    int
}

// Device is a station or one of its modules as listed by devicelist.
type Device struct {
	ID          string
	StationName string
	ModuleName  string
	Type        string
	DataTypes   []string
	// MainDevice is empty for stations and holds the station id for modules.
	MainDevice string
}

// Session is a snapshot of the authenticated session.
type Session struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	DeviceID     string
}
