package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/etlgate/internal/apperr"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// PayloadPolicy checks and normalizes a job payload before it is queued. The
// queue never inspects payloads itself; deployments choose a policy.
type PayloadPolicy interface {
	Name() string
	Normalize(jobType string, payload json.RawMessage) (json.RawMessage, error)
}

// NewPolicy returns the policy registered under name: "none", "legacy" or "current".
func NewPolicy(name string) (PayloadPolicy, error) {
	switch name {
	case "", "none":
		return passthroughPolicy{}, nil
	case "legacy":
		return connectionPolicy{name: "legacy", check: legacyConnection}, nil
	case "current":
		return connectionPolicy{name: "current", check: currentConnection}, nil
	default:
		return nil, fmt.Errorf("unknown payload policy %q: must be one of none, legacy, current", name)
	}
}

type passthroughPolicy struct{}

func (passthroughPolicy) Name() string { return "none" }

func (passthroughPolicy) Normalize(_ string, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

// connectionFields lists the payload keys holding connection details per job type.
var connectionFields = map[string][]string{
	models.JobTypeTestConnection: {"connection"},
	models.JobTypeFetchMetadata:  {"connection"},
	models.JobTypeETLComparison:  {"source_connection", "target_connection"},
}

var defaultPorts = map[string]int{
	"postgres":  5432,
	"mysql":     3306,
	"sqlserver": 1433,
	"oracle":    1521,
	"snowflake": 443,
}

type connectionPolicy struct {
	name  string
	check func(field string, conn map[string]any) error
}

func (p connectionPolicy) Name() string { return p.name }

func (p connectionPolicy) Normalize(jobType string, payload json.RawMessage) (json.RawMessage, error) {
	fields, ok := connectionFields[jobType]
	if !ok {
		return payload, nil
	}

	// Only the connection objects are decoded; every other member is copied
	// back byte for byte.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil || doc == nil {
		return nil, apperr.Validation("payload must be a JSON object")
	}

	for _, field := range fields {
		conn, err := decodeObject(doc[field])
		if err != nil {
			return nil, apperr.Validation("payload.%s is required", field)
		}
		if err := p.check(field, conn); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(conn)
		if err != nil {
			return nil, fmt.Errorf("encode payload.%s: %w", field, err)
		}
		doc[field] = raw
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// decodeObject decodes a JSON object keeping numbers as json.Number.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing object")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("null object")
	}
	return obj, nil
}

// legacyConnection requires discrete host/port/database/username fields and
// coerces a string port to a number. Type defaults to postgres.
func legacyConnection(field string, conn map[string]any) error {
	for _, key := range []string{"host", "database", "username"} {
		if strings.TrimSpace(stringField(conn, key)) == "" {
			return apperr.Validation("payload.%s.%s is required", field, key)
		}
	}
	port, ok := portField(conn)
	if !ok {
		return apperr.Validation("payload.%s.port must be a number between 1 and 65535", field)
	}
	conn["port"] = port
	if stringField(conn, "type") == "" {
		conn["type"] = "postgres"
	}
	return nil
}

// currentConnection requires a type plus either a dsn or host and database.
// A missing port is filled from the type's default.
func currentConnection(field string, conn map[string]any) error {
	typ := strings.ToLower(strings.TrimSpace(stringField(conn, "type")))
	if typ == "" {
		return apperr.Validation("payload.%s.type is required", field)
	}
	conn["type"] = typ

	if stringField(conn, "dsn") != "" {
		return nil
	}
	if stringField(conn, "host") == "" || stringField(conn, "database") == "" {
		return apperr.Validation("payload.%s needs dsn or host and database", field)
	}

	if _, present := conn["port"]; !present {
		if def, ok := defaultPorts[typ]; ok {
			conn["port"] = def
		}
		return nil
	}
	port, ok := portField(conn)
	if !ok {
		return apperr.Validation("payload.%s.port must be a number between 1 and 65535", field)
	}
	conn["port"] = port
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func portField(m map[string]any) (int, bool) {
	var port int
	switch v := m["port"].(type) {
	case json.Number:
		p, err := strconv.Atoi(v.String())
		if err != nil {
			return 0, false
		}
		port = p
	case string:
		p, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		port = p
	default:
		return 0, false
	}
	return port, port > 0 && port <= 65535
}
