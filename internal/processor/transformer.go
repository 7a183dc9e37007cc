package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/nats-io/nats.go"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"shape-sync/internal/config"
	"shape-sync/internal/models"
)

// Transformer rewrites the value of insert/update events before they are written
type Transformer struct {
	config   *config.ProcessorConfig
	logger   *logrus.Logger
	rules    []*RuleMatcher
	jsScript string     // Cached script content
	natsConn *nats.Conn // NATS connection for JavaScript bindings
}

// RuleMatcher matches and applies transformation rules
type RuleMatcher struct {
	table     string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// NewTransformer creates a new transformer with the given configuration
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger, natsConn *nats.Conn) (*Transformer, error) {
	transformer := &Transformer{
		config:   cfg,
		logger:   logger,
		rules:    []*RuleMatcher{},
		natsConn: natsConn,
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		if err := ValidateScript(string(scriptContent)); err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		transformer.jsScript = string(scriptContent)
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		lower := func(s string, _ int) string { return strings.ToLower(s) }
		matcher := &RuleMatcher{
			table:     rule.Table,
			include:   lo.Associate(lo.Map(rule.Include, lower), func(f string) (string, bool) { return f, true }),
			exclude:   lo.Associate(lo.Map(rule.Exclude, lower), func(f string) (string, bool) { return f, true }),
			rename:    make(map[string]string, len(rule.Rename)),
			addFields: rule.AddFields,
		}
		for from, to := range rule.Rename {
			matcher.rename[strings.ToLower(from)] = to
		}
		transformer.rules = append(transformer.rules, matcher)
	}

	return transformer, nil
}

// ValidateScript checks that the script evaluates to a function or defines `transform`
func ValidateScript(scriptContent string) error {
	vm := goja.New()
	_, err := resolveTransform(vm, scriptContent)
	return err
}

// resolveTransform runs the script and returns its transform function. The script
// may evaluate to an anonymous function or declare a function named transform.
func resolveTransform(vm *goja.Runtime, script string) (goja.Callable, error) {
	result, err := vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}
	transformVar := vm.Get("transform")
	if transformVar != nil && !goja.IsUndefined(transformVar) && !goja.IsNull(transformVar) {
		if fn, ok := goja.AssertFunction(transformVar); ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Transform returns the value to store for event. The event itself is not modified.
func (t *Transformer) Transform(table string, event *models.ChangeEvent) (interface{}, error) {
	if t.config == nil || !t.config.Enabled {
		return event.Value, nil
	}
	if t.jsScript != "" {
		return t.transformWithJavaScript(table, event)
	}
	if len(t.rules) > 0 {
		return t.transformWithRules(table, event), nil
	}
	return event.Value, nil
}

func (t *Transformer) transformWithJavaScript(table string, event *models.ChangeEvent) (interface{}, error) {
	input := map[string]interface{}{
		"table":   table,
		"key":     event.Key,
		"value":   event.Value,
		"headers": event.Headers,
	}
	eventJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	// goja.Runtime is not safe for concurrent use; shapes transform in parallel
	vm := goja.New()

	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}
	if t.natsConn != nil {
		if err := t.setupNATSBindings(vm); err != nil {
			return nil, fmt.Errorf("failed to setup NATS bindings: %w", err)
		}
	}

	callable, err := resolveTransform(vm, t.jsScript)
	if err != nil {
		return nil, err
	}

	if err := vm.Set("eventJSON", string(eventJSON)); err != nil {
		return nil, fmt.Errorf("failed to set event JSON: %w", err)
	}
	eventObj, err := vm.RunString("JSON.parse(eventJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	result, err := callable(goja.Undefined(), eventObj)
	if err != nil {
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Debugf("Event %s on %s rejected by JavaScript transformer", event.Key, table)
		return nil, ErrEventRejected
	}

	// Round-trip through JSON so numbers and nested objects match decoded stream values
	resultJSON, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(resultJSON))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return value, nil
}

// transformWithRules rewrites object values; other JSON values have no columns and pass through
func (t *Transformer) transformWithRules(table string, event *models.ChangeEvent) interface{} {
	row, ok := event.Value.(map[string]interface{})
	if !ok {
		return event.Value
	}
	for _, rule := range t.rules {
		if rule.matches(table) {
			return t.transformRow(row, rule)
		}
	}
	return event.Value
}

// transformRow applies transformation rules to a single row
func (t *Transformer) transformRow(row map[string]interface{}, rule *RuleMatcher) map[string]interface{} {
	transformed := make(map[string]interface{}, len(row)+len(rule.addFields))

	// Static fields first so row columns win on collision
	for key, value := range rule.addFields {
		transformed[key] = value
	}

	for key, value := range row {
		keyLower := strings.ToLower(key)

		if len(rule.exclude) > 0 && rule.exclude[keyLower] {
			continue
		}
		if len(rule.include) > 0 && !rule.include[keyLower] {
			continue
		}

		outputKey := key
		if newName, ok := rule.rename[keyLower]; ok {
			outputKey = newName
		}
		transformed[outputKey] = value
	}

	return transformed
}

// matches checks if a rule matches the given table (empty = all tables)
func (r *RuleMatcher) matches(table string) bool {
	return r.table == "" || strings.EqualFold(r.table, table)
}

// setupConsoleBindings sets up console JavaScript bindings in the VM
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	bindings := map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"error": t.logger.Error,
		"warn":  t.logger.Warn,
		"debug": t.logger.Debug,
	}
	for name, logFn := range bindings {
		logFn := logFn
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}

// setupNATSBindings exposes nats.publish(subject, data) to scripts
func (t *Transformer) setupNATSBindings(vm *goja.Runtime) error {
	natsObj := vm.NewObject()

	publishFn := func(call goja.FunctionCall) goja.Value {
		subject := call.Argument(0).String()
		if subject == "" {
			panic(vm.NewTypeError("nats.publish: subject is required"))
		}

		dataArg := call.Argument(1)
		if goja.IsUndefined(dataArg) || goja.IsNull(dataArg) {
			panic(vm.NewTypeError("nats.publish: data is required"))
		}

		var dataBytes []byte
		switch v := dataArg.Export().(type) {
		case string:
			dataBytes = []byte(v)
		case []byte:
			dataBytes = v
		default:
			var err error
			dataBytes, err = json.Marshal(v)
			if err != nil {
				panic(vm.NewTypeError("nats.publish: failed to marshal data: %v", err))
			}
		}

		if err := t.natsConn.Publish(subject, dataBytes); err != nil {
			t.logger.Errorf("NATS publish error: %v", err)
			panic(vm.NewGoError(err))
		}

		t.logger.Debugf("Published to NATS subject: %s", subject)
		return goja.Undefined()
	}

	if err := natsObj.Set("publish", publishFn); err != nil {
		return fmt.Errorf("failed to set publish function: %w", err)
	}
	if err := vm.Set("nats", natsObj); err != nil {
		return fmt.Errorf("failed to set nats object: %w", err)
	}
	return nil
}
