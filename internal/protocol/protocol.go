package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/anmzahid/Hear2Help/internal/classifier"
)

// Protocol constants
const (
	// DefaultPath is the WebSocket endpoint clients connect to
	DefaultPath = "/ws/audio"

	// ResultPrefix precedes the label in text result messages
	ResultPrefix = "Detected: "

	// Result message formats
	FormatText = "text"
	FormatJSON = "json"

	// Handshake query parameters
	ParamSampleRate = "sample_rate"
	ParamChannels   = "channels"
	ParamFormat     = "format"

	// Audio the classifier consumes when the client declares nothing
	DefaultSampleRate = 16000
	DefaultChannels   = 1

	// MessageTypeDetection is the "type" field of JSON result messages
	MessageTypeDetection = "detection"
)

// validate is the shared validator instance for handshake validation
var validate = validator.New(validator.WithRequiredStructEnabled())

// SessionParams describes the audio a client is about to stream and how it
// wants results delivered
type SessionParams struct {
	SampleRate int    `json:"sample_rate" validate:"gte=8000,lte=48000"`
	Channels   int    `json:"channels" validate:"oneof=1 2"`
	Format     string `json:"format" validate:"oneof=text json"`

	// Declared is true when the client set sample_rate or channels
	Declared bool `json:"declared"`
}

// DefaultSessionParams returns mono 16 kHz int16 audio with text results
func DefaultSessionParams() SessionParams {
	return SessionParams{
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		Format:     FormatText,
	}
}

// NeedsConversion reports whether the stream must be converted before
// windowing
func (p SessionParams) NeedsConversion() bool {
	return p.SampleRate != DefaultSampleRate || p.Channels != DefaultChannels
}

// FieldError describes one invalid handshake parameter
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// ParamError collects every invalid handshake parameter
type ParamError struct {
	Fields []FieldError `json:"errors"`
}

func (e *ParamError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s %s", f.Field, f.Message)
	}
	return "invalid session parameters: " + strings.Join(parts, "; ")
}

func (e *ParamError) add(field, message, value string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message, Value: value})
}

// ParseSessionParams reads handshake parameters from a connection URL query.
// Missing parameters keep their defaults.
func ParseSessionParams(query url.Values) (SessionParams, error) {
	params := DefaultSessionParams()
	perr := &ParamError{}

	if v := query.Get(ParamSampleRate); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			perr.add(ParamSampleRate, "must be an integer", v)
		} else {
			params.SampleRate = n
		}
		params.Declared = true
	}

	if v := query.Get(ParamChannels); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			perr.add(ParamChannels, "must be an integer", v)
		} else {
			params.Channels = n
		}
		params.Declared = true
	}

	if v := query.Get(ParamFormat); v != "" {
		params.Format = strings.ToLower(v)
	}

	if len(perr.Fields) > 0 {
		return params, perr
	}

	if err := params.Validate(); err != nil {
		return params, err
	}

	return params, nil
}

// Validate checks parameter ranges. Errors are returned as *ParamError.
func (p SessionParams) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	perr := &ParamError{}
	for _, e := range validationErrors {
		perr.add(jsonFieldName(e.StructField()), formatValidationMessage(e), fmt.Sprint(e.Value()))
	}
	return perr
}

func jsonFieldName(structField string) string {
	switch structField {
	case "SampleRate":
		return ParamSampleRate
	case "Channels":
		return ParamChannels
	case "Format":
		return ParamFormat
	default:
		return strings.ToLower(structField)
	}
}

func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

// Detection is the JSON result message for one window
type Detection struct {
	Type   string  `json:"type"`
	Window uint64  `json:"window"`
	Label  string  `json:"label"`
	Score  float32 `json:"score"`
	Index  int     `json:"index"`
}

// FormatResult renders a classification result as a text frame payload
func FormatResult(format string, seq uint64, result *classifier.Result) ([]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("result cannot be nil")
	}

	switch format {
	case FormatText, "":
		return []byte(ResultPrefix + result.Label), nil
	case FormatJSON:
		data, err := json.Marshal(Detection{
			Type:   MessageTypeDetection,
			Window: seq,
			Label:  result.Label,
			Score:  result.Score,
			Index:  result.Index,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode detection: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported result format %q", format)
	}
}
