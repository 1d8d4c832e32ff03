package v1

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// RunStatus is the payload of GetRun.
type RunStatus struct {
	RunID    string
	State    string
	Error    string
	Counts   map[string]int64
	Backends []BackendStatus
}

type BackendStatus struct {
	Name      string
	Limit     int64
	Active    int64
	Submitted int64
}

// Struct encodes s as a protobuf Struct.
func (s RunStatus) Struct() (*structpb.Struct, error) {
	counts := make(map[string]any, len(s.Counts))
	for k, v := range s.Counts {
		counts[k] = v
	}

	backends := make([]any, 0, len(s.Backends))
	for _, b := range s.Backends {
		backends = append(backends, map[string]any{
			"name":      b.Name,
			"limit":     b.Limit,
			"active":    b.Active,
			"submitted": b.Submitted,
		})
	}

	return structpb.NewStruct(map[string]any{
		"run_id":   s.RunID,
		"state":    s.State,
		"error":    s.Error,
		"counts":   counts,
		"backends": backends,
	})
}

// ParseRunStatus decodes a RunStatus from the Struct returned by GetRun.
func ParseRunStatus(pb *structpb.Struct) (RunStatus, error) {
	if pb == nil {
		return RunStatus{}, fmt.Errorf("empty run status")
	}

	fields := pb.GetFields()

	s := RunStatus{
		RunID:  fields["run_id"].GetStringValue(),
		State:  fields["state"].GetStringValue(),
		Error:  fields["error"].GetStringValue(),
		Counts: make(map[string]int64),
	}

	for k, v := range fields["counts"].GetStructValue().GetFields() {
		s.Counts[k] = int64(v.GetNumberValue())
	}

	for _, v := range fields["backends"].GetListValue().GetValues() {
		b := v.GetStructValue().GetFields()
		if b == nil {
			return RunStatus{}, fmt.Errorf("invalid backend entry %v", v)
		}

		s.Backends = append(s.Backends, BackendStatus{
			Name:      b["name"].GetStringValue(),
			Limit:     int64(b["limit"].GetNumberValue()),
			Active:    int64(b["active"].GetNumberValue()),
			Submitted: int64(b["submitted"].GetNumberValue()),
		})
	}

	return s, nil
}
