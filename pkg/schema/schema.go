// Package schema pins the dissonance report wire schema. The SHA-256 of the
// embedded document is asserted at init so an accidental edit fails loudly
// instead of silently changing the contract consumers validate against.
package schema

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed dissonance_report.json
var reportSchemaJSON string

// Version is the schema version stamped into every report.
const Version = "2.0.0"

// reportSchemaSHA256 pins the embedded schema bytes.
const reportSchemaSHA256 = "785f1e52730c25df67303b06063cae5115db7419dfd6649562b42c0f50ed8209"

var reportSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	sum := sha256.Sum256([]byte(reportSchemaJSON))
	if got := hex.EncodeToString(sum[:]); got != reportSchemaSHA256 {
		panic(fmt.Sprintf("report schema drifted: sha256 %s, pinned %s", got, reportSchemaSHA256))
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("dissonance_report.json", strings.NewReader(reportSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("dissonance_report.json")
}

// ValidateReport checks a serialized report against the pinned schema.
func ValidateReport(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse report: %w", err)
	}
	if err := reportSchema.Validate(doc); err != nil {
		return fmt.Errorf("report schema: %w", err)
	}
	return nil
}
