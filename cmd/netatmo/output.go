package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joshp123/gonetatmo/plugins/netatmo"
)

type outputMode struct {
	json bool
}

func (o outputMode) printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal("format json", err)
	}
	fmt.Println(string(data))
}

func (o outputMode) table(rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

type measurementView struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
	Time  string  `json:"time,omitempty"`
}

func newMeasurementView(m netatmo.Measurement) measurementView {
	view := measurementView{Type: m.Type, Value: m.Value}
	if !m.Time.IsZero() {
		view.Time = m.Time.UTC().Format(time.RFC3339)
	}
	return view
}

type deviceView struct {
	ID          string   `json:"id"`
	StationName string   `json:"station_name,omitempty"`
	ModuleName  string   `json:"module_name,omitempty"`
	Type        string   `json:"type,omitempty"`
	DataTypes   []string `json:"data_types,omitempty"`
	MainDevice  string   `json:"main_device,omitempty"`
}

func newDeviceView(d netatmo.Device) deviceView {
	return deviceView{
		ID:          d.ID,
		StationName: d.StationName,
		ModuleName:  d.ModuleName,
		Type:        d.Type,
		DataTypes:   d.DataTypes,
		MainDevice:  d.MainDevice,
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func joinTypes(types []string) string {
	if len(types) == 0 {
		return "-"
	}
	return strings.Join(types, ",")
}
