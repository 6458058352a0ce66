// Package services holds the domain services that start operations:
// data loads, model training runs and strategy backtests. Each service
// validates its parameters, names the operation and hands a worker to
// its orchestrator.
package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidParams marks start requests whose parameters could not be
// decoded into the expected shape. Validation failures are reported
// separately through validator.ValidationErrors.
var ErrInvalidParams = errors.New("invalid operation parameters")

// decodeParams converts the loose parameter map of a start request into
// the service's typed parameter struct.
func decodeParams(raw map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
