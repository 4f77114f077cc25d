package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	cuejson "cuelang.org/go/encoding/json"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

// Parser reads restore request files and validates them against the
// restore schema.
//
// Every format is converted to a CUE value and unified with
// #RestoreRequest, so YAML, JSON and Starlark requests get the same
// defaults and error messages as CUE ones. The decoded request is then
// checked with struct validation.
type Parser struct {
	ctx       *cue.Context
	schema    *Schema
	starlark  *StarlarkEvaluator
	validator *validator.Validate

	// Vars are passed to Starlark scripts as globals.
	Vars map[string]interface{}
}

// NewParser creates a new request parser.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()
	schema, err := NewSchema(ctx)
	if err != nil {
		return nil, err
	}

	return &Parser{
		ctx:       ctx,
		schema:    schema,
		starlark:  NewStarlarkEvaluator(30 * time.Second),
		validator: validator.New(validator.WithRequiredStructEnabled()),
		Vars:      make(map[string]interface{}),
	}, nil
}

// Schema returns the compiled restore schema.
func (p *Parser) Schema() *Schema {
	return p.schema
}

// LoadRequest reads the given files and returns the merged request, or
// a VALIDATION_ERROR describing every problem found.
func (p *Parser) LoadRequest(ctx context.Context, sources ...string) (engine.RestoreRequest, error) {
	parsed, err := p.Load(ctx, sources...)
	if err != nil {
		return engine.RestoreRequest{}, err
	}
	if err := parsed.Err(); err != nil {
		return engine.RestoreRequest{}, err
	}
	return parsed.Request, nil
}

// Load reads restore requests from the given sources. Items of several
// sources are concatenated in argument order. Problems in the files are
// reported in ParsedRequest.Errors; the error return is reserved for
// sources that cannot be read at all.
func (p *Parser) Load(ctx context.Context, sources ...string) (*ParsedRequest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	result := &ParsedRequest{ParsedAt: time.Now()}
	var requests []engine.RestoreRequest

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var (
			val   cue.Value
			files []string
			errs  []ValidationError
		)

		if info.IsDir() {
			val, files, errs = p.loadDirectory(source)
		} else {
			format, ferr := FormatOf(source)
			if ferr != nil {
				return nil, ferr
			}
			content, rerr := os.ReadFile(source)
			if rerr != nil {
				return nil, fmt.Errorf("failed to read %s: %w", source, rerr)
			}
			val, errs = p.compile(ctx, content, format, source)
			files = []string{source}
		}

		result.SourceFiles = append(result.SourceFiles, files...)
		if len(errs) > 0 {
			result.Errors = append(result.Errors, errs...)
			continue
		}

		req, errs := p.decode(val, source)
		if len(errs) > 0 {
			result.Errors = append(result.Errors, errs...)
			continue
		}
		requests = append(requests, req)
	}

	if len(result.Errors) == 0 {
		result.Request = MergeRequests(requests...)
	}

	log.Debug().
		Strs("sources", result.SourceFiles).
		Int("items", len(result.Request.Items)).
		Int("errors", len(result.Errors)).
		Msg("Restore request loaded")

	return result, nil
}

// Parse reads a single request from memory.
func (p *Parser) Parse(ctx context.Context, content []byte, format Format, filename string) (*ParsedRequest, error) {
	result := &ParsedRequest{
		SourceFiles: []string{filename},
		ParsedAt:    time.Now(),
	}

	val, errs := p.compile(ctx, content, format, filename)
	if len(errs) > 0 {
		result.Errors = errs
		return result, nil
	}

	req, errs := p.decode(val, filename)
	result.Request = req
	result.Errors = errs
	return result, nil
}

// ParseInline parses inline CUE content.
func (p *Parser) ParseInline(ctx context.Context, content string) (*ParsedRequest, error) {
	return p.Parse(ctx, []byte(content), FormatCUE, "inline")
}

// compile converts file content of any supported format to a CUE value.
func (p *Parser) compile(ctx context.Context, content []byte, format Format, filename string) (cue.Value, []ValidationError) {
	switch format {
	case FormatCUE:
		val := p.ctx.CompileBytes(content, cue.Filename(filename))
		if err := val.Err(); err != nil {
			return cue.Value{}, p.convertCUEErrors(err)
		}
		return val, nil

	case FormatJSON:
		expr, err := cuejson.Extract(filename, content)
		if err != nil {
			return cue.Value{}, p.convertCUEErrors(err)
		}
		val := p.ctx.BuildExpr(expr)
		if err := val.Err(); err != nil {
			return cue.Value{}, p.convertCUEErrors(err)
		}
		return val, nil

	case FormatYAML:
		var doc map[string]interface{}
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return cue.Value{}, []ValidationError{{
				File:     filename,
				Message:  fmt.Sprintf("failed to parse YAML: %v", err),
				Severity: "error",
			}}
		}
		return p.encode(doc, filename)

	case FormatStarlark:
		doc, err := p.starlark.Evaluate(ctx, filename, string(content), p.Vars)
		if err != nil {
			return cue.Value{}, []ValidationError{{
				File:     filename,
				Message:  err.Error(),
				Severity: "error",
			}}
		}
		return p.encode(doc, filename)

	default:
		return cue.Value{}, []ValidationError{{
			File:     filename,
			Message:  fmt.Sprintf("unsupported format %q", format),
			Severity: "error",
		}}
	}
}

func (p *Parser) encode(doc map[string]interface{}, filename string) (cue.Value, []ValidationError) {
	if doc == nil {
		return cue.Value{}, []ValidationError{{
			File:     filename,
			Message:  "request is empty",
			Severity: "error",
		}}
	}

	val := p.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		errs := p.convertCUEErrors(err)
		for i := range errs {
			errs[i].File = filename
		}
		return cue.Value{}, errs
	}
	return val, nil
}

// loadDirectory loads a directory as a CUE package.
func (p *Parser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, p.convertCUEErrors(inst.Err)
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, p.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// decode unifies a value with the schema and decodes the request.
func (p *Parser) decode(val cue.Value, filename string) (engine.RestoreRequest, []ValidationError) {
	var req engine.RestoreRequest

	unified := p.schema.Apply(val)
	if err := p.schema.Validate(unified); err != nil {
		errs := p.convertCUEErrors(err)
		for i := range errs {
			if errs[i].File == "" || errs[i].File == schemaFilename {
				errs[i].File, errs[i].Line, errs[i].Column = filename, 0, 0
			}
		}
		return req, errs
	}

	if err := unified.Decode(&req); err != nil {
		return req, []ValidationError{{
			File:     filename,
			Message:  fmt.Sprintf("failed to decode request: %v", err),
			Severity: "error",
		}}
	}

	if err := p.validator.Struct(req); err != nil {
		return req, p.convertValidatorErrors(err, filename)
	}

	return req, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (p *Parser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int

		// report the request file rather than the schema when both are involved
		positions := cueerrors.Positions(e)
		for i, pos := range positions {
			if pos.Filename() != schemaFilename || i == len(positions)-1 {
				file = pos.Filename()
				line = pos.Line()
				column = pos.Column()
				break
			}
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	return validationErrors
}

func (p *Parser) convertValidatorErrors(err error, filename string) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{File: filename, Message: err.Error(), Severity: "error"}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			File:     filename,
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("failed on the %q rule", fe.Tag()),
			Severity: "error",
		})
	}
	return out
}

// MergeRequests concatenates the items of several requests. The merged
// name joins the non-empty names with "+".
func MergeRequests(reqs ...engine.RestoreRequest) engine.RestoreRequest {
	if len(reqs) == 1 {
		return reqs[0]
	}

	var merged engine.RestoreRequest
	var names []string
	for _, req := range reqs {
		if req.Name != "" {
			names = append(names, req.Name)
		}
		merged.Items = append(merged.Items, req.Items...)
	}
	merged.Name = strings.Join(names, "+")
	return merged
}

// ExportJSON renders a request in the JSON request format.
func ExportJSON(req engine.RestoreRequest) ([]byte, error) {
	return json.MarshalIndent(req, "", "  ")
}

// FindRequestFiles lists the request files in a directory, sorted by name.
func FindRequestFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ferr := FormatOf(path); ferr == nil {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}
