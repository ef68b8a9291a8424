package telemetry

import (
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"hle/hal"
	"hle/internal/buildinfo"
	"hle/loader"
)

// FieldType groups telemetry fields by origin.
type FieldType uint8

const (
	FieldApp FieldType = iota
	FieldSession
	FieldPerformance
	FieldUserConfig
	FieldUserSystem
)

func (t FieldType) String() string {
	switch t {
	case FieldApp:
		return "App"
	case FieldSession:
		return "Session"
	case FieldPerformance:
		return "Performance"
	case FieldUserConfig:
		return "UserConfig"
	case FieldUserSystem:
		return "UserSystem"
	default:
		return fmt.Sprintf("FieldType(%d)", uint8(t))
	}
}

// Field is one named telemetry value.
type Field struct {
	Type  FieldType
	Name  string
	Value any
}

func (f Field) String() string {
	return fmt.Sprintf("%s_%s=%v", f.Type, f.Name, f.Value)
}

// Session collects fields for one emulation session and logs them when
// closed. Adding a field with an existing type and name replaces it.
type Session struct {
	fields map[string]Field
	start  time.Time
	closed bool
}

func NewSession() *Session {
	s := &Session{
		fields: make(map[string]Field),
		start:  time.Now(),
	}
	s.AddField(FieldApp, "BuildName", buildinfo.Short())
	s.AddField(FieldSession, "Init_Time", s.start.Unix())
	return s
}

func (s *Session) AddField(t FieldType, name string, value any) {
	f := Field{Type: t, Name: name, Value: value}
	s.fields[f.Type.String()+"_"+f.Name] = f
}

// AddInitialInfo records what the loader reports about the program being
// started. Missing metadata is skipped.
func (s *Session) AddInitialInfo(l loader.AppLoader) {
	if l == nil {
		return
	}
	if id, st := l.ReadProgramID(); st == loader.Success {
		s.AddField(FieldSession, "ProgramId", fmt.Sprintf("%016X", id))
	}
	if title, st := l.ReadTitle(); st == loader.Success && title != "" {
		s.AddField(FieldSession, "Title", title)
	}
	if id, st := l.ReadBuildID(); st == loader.Success {
		s.AddField(FieldSession, "BuildId", hex.EncodeToString(id[:]))
	}
	s.AddField(FieldSession, "ProgramFormat", l.FileType().String())
}

// Field looks up a field by type and name.
func (s *Session) Field(t FieldType, name string) (Field, bool) {
	f, ok := s.fields[t.String()+"_"+name]
	return f, ok
}

// Fields returns every field sorted by type then name.
func (s *Session) Fields() []Field {
	out := make([]Field, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Close logs every field once. Later calls do nothing.
func (s *Session) Close(log hal.Logger) {
	if s.closed {
		return
	}
	s.closed = true
	s.AddField(FieldSession, "Shutdown_Time", time.Since(s.start).Milliseconds())
	for _, f := range s.Fields() {
		hal.Logf(log, "telemetry: %s", f)
	}
}
