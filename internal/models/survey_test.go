package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

var epoch = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func TestProjectKey(t *testing.T) {
	tests := []struct {
		subject  string
		expected string
	}{
		{"PROJ-12", "PROJ"},
		{"OPS-1-2", "OPS"},
		{"standalone", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got := Survey{SubjectID: tt.subject}.ProjectKey()
			if got != tt.expected {
				t.Errorf("ProjectKey() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestExpiredAt(t *testing.T) {
	s := NewSurvey("tok", "PROJ-1", DefaultCategory, "en", epoch, time.Hour)

	if s.ExpiredAt(epoch.Add(time.Hour)) {
		t.Error("survey must still be open at its exact deadline")
	}
	if !s.ExpiredAt(epoch.Add(time.Hour + time.Nanosecond)) {
		t.Error("survey must be expired after its deadline")
	}
}

func TestSurveyPersistedKeys(t *testing.T) {
	raw, err := json.Marshal(NewSurvey("tok", "PROJ-1", DefaultCategory, "en", epoch, time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"token", "subject_id", "category", "language", "created_at", "expires_at", "status", "delivery_state", "delivery_attempts"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("missing key %q in %s", key, raw)
		}
	}
	for _, key := range []string{"score", "comment", "submitted_at", "last_attempt_at", "last_error"} {
		if _, ok := doc[key]; ok {
			t.Errorf("pending survey should omit %q", key)
		}
	}

	// The record is only ever persisted as JSON.
	typ := reflect.TypeOf(Survey{})
	for i := range typ.NumField() {
		if tag, ok := typ.Field(i).Tag.Lookup("db"); ok {
			t.Errorf("field %s carries unused db tag %q", typ.Field(i).Name, tag)
		}
	}
}
