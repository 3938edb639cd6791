// Package flow implements the interactive setup and options flows that
// produce configuration entries.
package flow

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/jkaberg/hass-weight/internal/domain"
	"github.com/sirupsen/logrus"
)

// ResultType tells the caller what a step produced.
type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
)

// Step ids
const (
	StepUser    = "user"
	StepPersons = "persons"
	StepInit    = "init"
)

// BaseErrorKey is the error key for errors not tied to a single field.
const BaseErrorKey = "base"

// ErrUnknownStep is returned when input is submitted for a step the flow
// does not have.
var ErrUnknownStep = errors.New("unknown flow step")

// Result is either a form to show or a finished entry.
type Result struct {
	Type   ResultType
	StepID string

	// Form results
	Schema       Schema
	Errors       map[string]string
	Placeholders map[string]string
	Suggested    map[string]any

	// Create-entry results
	Title   string
	Data    *domain.EntryData
	Options map[string]any
}

// Flow is implemented by both the config and the options flow.
type Flow interface {
	Init() Result
	Submit(stepID string, input map[string]any) (Result, error)
}

// ConfigFlow collects a source sensor and a list of person ranges.
type ConfigFlow struct {
	knownSensors []string
	logger       *logrus.Logger

	sourceSensor string
	persons      []domain.PersonRange
}

// NewConfigFlow creates a flow offering knownSensors as source choices.
func NewConfigFlow(knownSensors []string, logger *logrus.Logger) *ConfigFlow {
	return &ConfigFlow{
		knownSensors: knownSensors,
		logger:       logger,
	}
}

// Init shows the source sensor form.
func (f *ConfigFlow) Init() Result {
	return f.userForm(nil, nil)
}

// Submit handles input for the given step.
func (f *ConfigFlow) Submit(stepID string, input map[string]any) (Result, error) {
	switch stepID {
	case StepUser:
		return f.stepUser(input), nil
	case StepPersons:
		return f.stepPersons(input), nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
}

// Persons returns a copy of the persons collected so far.
func (f *ConfigFlow) Persons() []domain.PersonRange {
	return append([]domain.PersonRange(nil), f.persons...)
}

func (f *ConfigFlow) userSchema() Schema {
	return Schema{
		{Key: domain.ConfSourceSensor, Kind: FieldSelect, Required: true, Options: f.knownSensors},
	}
}

func (f *ConfigFlow) userForm(errs map[string]string, suggested map[string]any) Result {
	return Result{
		Type:      ResultForm,
		StepID:    StepUser,
		Schema:    f.userSchema(),
		Errors:    nonNil(errs),
		Suggested: suggested,
	}
}

func (f *ConfigFlow) stepUser(input map[string]any) Result {
	values, errs := f.userSchema().Coerce(input)
	if len(errs) > 0 {
		return f.userForm(errs, input)
	}
	f.sourceSensor = values[domain.ConfSourceSensor].(string)
	f.logger.WithField("source_sensor", f.sourceSensor).Debug("Source sensor selected")
	return f.personsForm(nil, nil)
}

func personsSchema() Schema {
	return Schema{
		{Key: domain.ConfPersonName, Kind: FieldString, Required: true},
		{
			Key: domain.ConfMinWeight, Kind: FieldFloat, Required: true, Default: domain.DefaultMinWeight,
			Min: floatPtr(domain.WeightLimitMin), Max: floatPtr(domain.WeightLimitMax),
		},
		{
			Key: domain.ConfMaxWeight, Kind: FieldFloat, Required: true, Default: domain.DefaultMaxWeight,
			Min: floatPtr(domain.WeightLimitMin), Max: floatPtr(domain.WeightLimitMax),
		},
		{Key: domain.ConfAddAnother, Kind: FieldBool, Default: false},
	}
}

func (f *ConfigFlow) personsForm(errs map[string]string, suggested map[string]any) Result {
	return Result{
		Type:   ResultForm,
		StepID: StepPersons,
		Schema: personsSchema(),
		Errors: nonNil(errs),
		Placeholders: map[string]string{
			"persons_count": fmt.Sprint(len(f.persons)),
		},
		Suggested: suggested,
	}
}

func (f *ConfigFlow) stepPersons(input map[string]any) Result {
	values, errs := personsSchema().Coerce(input)
	if len(errs) > 0 {
		return f.personsForm(errs, maps.Clone(input))
	}

	person := domain.PersonRange{
		Name:      values[domain.ConfPersonName].(string),
		MinWeight: values[domain.ConfMinWeight].(float64),
		MaxWeight: values[domain.ConfMaxWeight].(float64),
	}
	if person.MinWeight >= person.MaxWeight {
		f.logger.WithFields(logrus.Fields{
			"person":     person.Name,
			"min_weight": person.MinWeight,
			"max_weight": person.MaxWeight,
		}).Debug("Rejected person with invalid weight range")
		return f.personsForm(map[string]string{BaseErrorKey: domain.ErrInvalidWeightRange.Error()}, values)
	}

	f.persons = append(f.persons, person)

	if values[domain.ConfAddAnother].(bool) {
		return f.personsForm(nil, nil)
	}

	return Result{
		Type:  ResultCreateEntry,
		Title: domain.DefaultTitle,
		Data: &domain.EntryData{
			SourceSensor: f.sourceSensor,
			Persons:      f.Persons(),
		},
	}
}

// OptionsFlow stores whatever payload it receives as the entry options.
type OptionsFlow struct {
	entry domain.Entry
}

// NewOptionsFlow creates an options flow for entry.
func NewOptionsFlow(entry domain.Entry) *OptionsFlow {
	return &OptionsFlow{entry: entry}
}

// Init shows the (empty) options form.
func (f *OptionsFlow) Init() Result {
	return Result{
		Type:      ResultForm,
		StepID:    StepInit,
		Errors:    map[string]string{},
		Suggested: maps.Clone(f.entry.Options),
	}
}

// Submit accepts any payload verbatim.
func (f *OptionsFlow) Submit(stepID string, input map[string]any) (Result, error) {
	if stepID != StepInit && stepID != StepUser {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	opts := maps.Clone(input)
	if opts == nil {
		opts = map[string]any{}
	}
	return Result{Type: ResultCreateEntry, Options: opts}, nil
}

// Description returns the operator-facing text for a step with its
// placeholders filled in.
func Description(res Result) string {
	var text string
	switch res.StepID {
	case StepUser:
		text = "Select the sensor that reports weight readings."
	case StepPersons:
		text = "Add a person and the weight range that identifies them ({persons_count} added so far)."
	case StepInit:
		text = "Set options for this entry."
	}
	for k, v := range res.Placeholders {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}
	return text
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
