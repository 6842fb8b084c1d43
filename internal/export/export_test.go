package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"attendguard/internal/attendance"
)

func floatPtr(f float64) *float64 { return &f }

func sampleRecords() []attendance.Record {
	return []attendance.Record{
		{
			StudentName: "Asha Rao", StudentID: "1RV20CS001", Branch: "CSE", Division: "A",
			Batch: "2024", Room: "LH-3", DeviceFingerprint: "abc123",
			Latitude: floatPtr(12.9701), Longitude: floatPtr(77.5901),
			RecordedAt: time.Date(2026, 3, 10, 10, 5, 0, 0, time.UTC),
		},
		{
			StudentName: "Vikram N", StudentID: "1RV20CS042", Branch: "CSE", Division: "A",
			Batch: "2024", Room: "LH-3", DeviceFingerprint: "def456",
			RecordedAt: time.Date(2026, 3, 10, 10, 6, 0, 0, time.UTC),
		},
	}
}

func TestFilename(t *testing.T) {
	date := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	got := Filename("CS101  Morning Lecture", date)
	want := "CS101_Morning_Lecture_Attendance_2026-03-10.xlsx"
	if got != want {
		t.Errorf("Filename = %q, want %q", got, want)
	}
}

func TestAttendanceWorkbookContents(t *testing.T) {
	ref := &ReferencePoint{Latitude: 12.97, Longitude: 77.59, RadiusMeters: 500}
	data, err := Attendance(sampleRecords(), "CS101", ref)
	if err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := f.GetRows("Attendance")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2 records", len(rows))
	}
	if rows[0][0] != "#" || rows[0][2] != "Name" {
		t.Errorf("unexpected header row: %v", rows[0])
	}

	// First record has coordinates ~15m from the reference point.
	first := rows[1]
	if first[2] != "Asha Rao" || first[8] != "P" {
		t.Errorf("unexpected first record: %v", first)
	}
	if first[9] != "On campus" {
		t.Errorf("proximity status = %q, want On campus", first[9])
	}

	// Second record has no coordinates.
	second := rows[2]
	if second[9] != "No location" {
		t.Errorf("missing-location status = %q", second[9])
	}
}

func TestAttendanceWithoutReferencePoint(t *testing.T) {
	data, err := Attendance(sampleRecords(), "CS101", nil)
	if err != nil {
		t.Fatal(err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := f.GetRows("Attendance")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows[0]) != len(baseHeaders) {
		t.Errorf("header has %d columns, want %d", len(rows[0]), len(baseHeaders))
	}
}
