package siri

import (
	"testing"
	"time"

	"github.com/vietddude/muniwatch/internal/core/errs"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testParser() *Parser {
	return &Parser{ShowIcons: true, Now: func() time.Time { return fixedNow }}
}

const twoLines = `{"ServiceDelivery":{"StopMonitoringDelivery":{"MonitoredStopVisit":[
 {"MonitoredVehicleJourney":{"LineRef":"14","DestinationName":"Daly City","MonitoredCall":{"ExpectedArrivalTime":"2024-05-01T12:12:30Z"}}},
 {"MonitoredVehicleJourney":{"LineRef":"n","DestinationName":"Ocean Beach","MonitoredCall":{"ExpectedArrivalTime":"2024-05-01T12:03:10Z"}}},
 {"MonitoredVehicleJourney":{"LineRef":"14","DestinationName":"Daly City","MonitoredCall":{"ExpectedArrivalTime":"2024-05-01T12:05:00Z"}}}
]}}}`

func TestParse_GroupsAndSorts(t *testing.T) {
	lines, err := testParser().Parse([]byte(twoLines))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	if lines[0].LineRef != "N" || lines[1].LineRef != "14" {
		t.Errorf("order = [%s, %s], want [N, 14]", lines[0].LineRef, lines[1].LineRef)
	}
	if lines[0].Line != IconMetro+" N" {
		t.Errorf("N label = %q", lines[0].Line)
	}
	if lines[0].Times[0].Minutes != 3 || lines[0].Times[0].FormattedTime != "3 min" {
		t.Errorf("N time = %+v", lines[0].Times[0])
	}

	got := []int{lines[1].Times[0].Minutes, lines[1].Times[1].Minutes}
	if got[0] != 5 || got[1] != 12 {
		t.Errorf("14 times = %v, want [5 12]", got)
	}
	if len(lines[1].Destinations) != 1 || lines[1].Destinations[0] != "Daly City" {
		t.Errorf("14 destinations = %v", lines[1].Destinations)
	}
}

func TestParse_StripsBOM(t *testing.T) {
	body := append([]byte("\xef\xbb\xbf"), twoLines...)
	lines, err := testParser().Parse(body)
	if err != nil {
		t.Fatalf("Parse with BOM: %v", err)
	}
	if len(lines) != 2 {
		t.Errorf("expected 2 lines, got %d", len(lines))
	}
}

func TestParse_SingleVisitObject(t *testing.T) {
	body := `{"ServiceDelivery":{"StopMonitoringDelivery":{"MonitoredStopVisit":
	 {"MonitoredVehicleJourney":{"LineRef":"J","MonitoredCall":{"ExpectedArrivalTime":"2024-05-01T12:01:00Z"}}}}}}`
	lines, err := testParser().Parse([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0].LineRef != "J" {
		t.Errorf("unexpected lines %+v", lines)
	}
}

func TestParse_DeliveryArray(t *testing.T) {
	body := `{"ServiceDelivery":{"StopMonitoringDelivery":[{"MonitoredStopVisit":[
	 {"MonitoredVehicleJourney":{"LineRef":"K","MonitoredCall":{"ExpectedArrivalTime":"2024-05-01T12:02:00Z"}}}]}]}}`
	lines, err := testParser().Parse([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0].LineRef != "K" {
		t.Errorf("unexpected lines %+v", lines)
	}
}

func TestParse_EmptyShapes(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"ServiceDelivery":{}}`,
		`{"ServiceDelivery":{"StopMonitoringDelivery":{}}}`,
		`{"ServiceDelivery":{"StopMonitoringDelivery":{"MonitoredStopVisit":[]}}}`,
		`{"ServiceDelivery":{"StopMonitoringDelivery":{"MonitoredStopVisit":null}}}`,
	}
	for _, b := range bodies {
		lines, err := testParser().Parse([]byte(b))
		if err != nil {
			t.Errorf("Parse(%s): %v", b, err)
			continue
		}
		if lines == nil || len(lines) != 0 {
			t.Errorf("Parse(%s) = %v, want empty slice", b, lines)
		}
	}
}

func TestParse_DataFormatErrors(t *testing.T) {
	bodies := []string{
		`not json`,
		`[1,2,3]`,
		`"string"`,
		`{"ServiceDelivery":{"StopMonitoringDelivery":{"MonitoredStopVisit":"oops"}}}`,
		`{"ServiceDelivery":{"StopMonitoringDelivery":{"MonitoredStopVisit":42}}}`,
	}
	for _, b := range bodies {
		_, err := testParser().Parse([]byte(b))
		if !errs.Is(err, errs.KindDataFormat) {
			t.Errorf("Parse(%s) = %v, want data format error", b, err)
		}
	}
}

func TestParse_SkipsIncompleteVisits(t *testing.T) {
	body := `{"ServiceDelivery":{"StopMonitoringDelivery":{"MonitoredStopVisit":[
	 {"MonitoredVehicleJourney":{"LineRef":"N"}},
	 {"MonitoredVehicleJourney":{"MonitoredCall":{"ExpectedArrivalTime":"2024-05-01T12:02:00Z"}}},
	 {"MonitoredVehicleJourney":{"LineRef":"L","MonitoredCall":{}}},
	 {},
	 {"MonitoredVehicleJourney":{"LineRef":"M","MonitoredCall":{"ExpectedArrivalTime":"2024-05-01T12:04:00Z"}}}
	]}}}`
	lines, err := testParser().Parse([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0].LineRef != "M" {
		t.Errorf("expected only M, got %+v", lines)
	}
}

func TestParse_UnknownAndPastTimes(t *testing.T) {
	body := `{"ServiceDelivery":{"StopMonitoringDelivery":{"MonitoredStopVisit":[
	 {"MonitoredVehicleJourney":{"LineRef":"22","MonitoredCall":{"ExpectedArrivalTime":"soon"}}},
	 {"MonitoredVehicleJourney":{"LineRef":"22","MonitoredCall":{"ExpectedArrivalTime":"2024-05-01T11:58:00Z"}}},
	 {"MonitoredVehicleJourney":{"LineRef":"38R","MonitoredCall":{"ExpectedArrivalTime":"2024-05-01T12:20:00-07:00"}}}
	]}}}`
	lines, err := testParser().Parse([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if lines[0].LineRef != "22" {
		t.Fatalf("expected 22 first, got %s", lines[0].LineRef)
	}
	if lines[0].Times[0].Minutes != 0 {
		t.Errorf("past arrival should clamp to 0, got %d", lines[0].Times[0].Minutes)
	}
	if lines[0].Times[1].FormattedTime != "?" {
		t.Errorf("unparseable time should render ?, got %q", lines[0].Times[1].FormattedTime)
	}
	if lines[1].Line != IconExpress+" 38R" {
		t.Errorf("38R label = %q", lines[1].Line)
	}
	if lines[1].Times[0].Minutes != 7*60+20 {
		t.Errorf("offset time minutes = %d", lines[1].Times[0].Minutes)
	}
}

func TestParse_HideIcons(t *testing.T) {
	p := testParser()
	p.ShowIcons = false
	lines, err := p.Parse([]byte(twoLines))
	if err != nil {
		t.Fatal(err)
	}
	if lines[0].Line != "N" {
		t.Errorf("label without icons = %q", lines[0].Line)
	}
}

func TestLineIcon(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"14", IconTrolleybus},
		{"38", IconBus},
		{"91", IconBus},
		{"59", IconBus},
		{"PH", IconCableCar},
		{"C", IconCableCar},
		{"N", IconMetro},
		{"F", IconMetro},
		{"L-OWL", IconOwl},
		{"38R", IconExpress},
		{"NX", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := LineIcon(tt.line); got != tt.want {
			t.Errorf("LineIcon(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}
