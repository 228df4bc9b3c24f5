package main

import (
	"fmt"
	"log"
	"os"

	"github.com/expr-lang/expr"
	"github.com/fatih/color"
	"github.com/goccy/go-yaml"

	"bringyour.com/codoc/crdt"
	"bringyour.com/codoc/journal"
	"bringyour.com/codoc/mirror"
)

// Scenario is a scripted run over a client pool: a client count and a
// step list. Each step either performs one container operation on one
// client, or evaluates an assertion expression over all clients.
type Scenario struct {
	Clients int    `yaml:"clients"`
	Steps   []Step `yaml:"steps"`
}

type Step struct {
	Client int `yaml:"client"`

	// container targets, by root name
	Text string `yaml:"text"`
	List string `yaml:"list"`
	Map  string `yaml:"map"`

	// operation and arguments
	Op     string `yaml:"op"`
	Index  int    `yaml:"index"`
	Length int    `yaml:"length"`
	Key    string `yaml:"key"`
	Value  any    `yaml:"value"`

	// assertion expression, evaluated instead of an operation
	Assert string `yaml:"assert"`
}

func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	scenario := &Scenario{}
	if err := yaml.Unmarshal(data, scenario); err != nil {
		return nil, err
	}
	if scenario.Clients <= 0 {
		scenario.Clients = 2
	}
	return scenario, nil
}

type scenarioClient struct {
	client *mirror.Client
	texts  map[string]*mirror.TextBinding
	lists  map[string]*mirror.ListBinding
	maps   map[string]*mirror.MapBinding
}

type ScenarioRunner struct {
	scenario *Scenario
	pool     *mirror.ClientPool
	clients  []*scenarioClient

	store    *journal.Store
	detaches []func()
}

func NewScenarioRunner(scenario *Scenario, journalPath string) (*ScenarioRunner, error) {
	runner := &ScenarioRunner{
		scenario: scenario,
		pool:     mirror.NewClientPoolWithDefaults(),
	}
	if journalPath != "" {
		store, err := journal.Open(journalPath)
		if err != nil {
			return nil, err
		}
		runner.store = store
	}
	for i := 0; i < scenario.Clients; i += 1 {
		client := runner.pool.CreateClient()
		if runner.store != nil {
			detach := journal.Attach(runner.store, client.Doc().Id(), client.Doc())
			runner.detaches = append(runner.detaches, detach)
		}
		runner.clients = append(runner.clients, &scenarioClient{
			client: client,
			texts:  map[string]*mirror.TextBinding{},
			lists:  map[string]*mirror.ListBinding{},
			maps:   map[string]*mirror.MapBinding{},
		})
	}
	return runner, nil
}

func (self *ScenarioRunner) Close() {
	for _, detach := range self.detaches {
		detach()
	}
	if self.store != nil {
		self.store.Close()
	}
}

func (self *ScenarioRunner) Run(out *log.Logger) error {
	for i, step := range self.scenario.Steps {
		if err := self.runStep(step); err != nil {
			out.Printf("%s", color.RedString("step %d: %s", i, err))
			return err
		}
		out.Printf("%s", color.GreenString("step %d ok", i))
	}
	return nil
}

func (self *ScenarioRunner) runStep(step Step) error {
	if step.Assert != "" {
		return self.runAssert(step.Assert)
	}
	if step.Client < 0 || len(self.clients) <= step.Client {
		return fmt.Errorf("client %d out of range [0, %d)", step.Client, len(self.clients))
	}
	client := self.clients[step.Client]
	switch {
	case step.Text != "":
		return self.runTextOp(client, step)
	case step.List != "":
		return self.runListOp(client, step)
	case step.Map != "":
		return self.runMapOp(client, step)
	default:
		return fmt.Errorf("step targets no container and asserts nothing")
	}
}

func (self *scenarioClient) text(name string) *mirror.TextBinding {
	binding, ok := self.texts[name]
	if !ok {
		binding = mirror.NewTextBinding(self.client.Doc(), self.client.Doc().Text(name))
		self.texts[name] = binding
	}
	return binding
}

func (self *scenarioClient) list(name string) *mirror.ListBinding {
	binding, ok := self.lists[name]
	if !ok {
		binding = mirror.NewListBinding(self.client.Doc(), self.client.Doc().List(name))
		self.lists[name] = binding
	}
	return binding
}

func (self *scenarioClient) mapBinding(name string) *mirror.MapBinding {
	binding, ok := self.maps[name]
	if !ok {
		binding = mirror.NewMapBinding(self.client.Doc(), self.client.Doc().Map(name))
		self.maps[name] = binding
	}
	return binding
}

func stepValue(step Step) (crdt.Value, error) {
	return crdt.ValueOf(step.Value)
}

func (self *ScenarioRunner) runTextOp(client *scenarioClient, step Step) error {
	binding := client.text(step.Text)
	switch step.Op {
	case "insert":
		chunk, ok := step.Value.(string)
		if !ok {
			return fmt.Errorf("text insert needs a string value")
		}
		return binding.Insert(step.Index, chunk, nil)
	case "extend":
		chunk, ok := step.Value.(string)
		if !ok {
			return fmt.Errorf("text extend needs a string value")
		}
		return binding.Extend(chunk)
	case "delete":
		length := step.Length
		if length == 0 {
			length = 1
		}
		return binding.DeleteRange(step.Index, length)
	case "set_text":
		text, ok := step.Value.(string)
		if !ok {
			return fmt.Errorf("text set_text needs a string value")
		}
		return binding.SetText(text)
	default:
		return fmt.Errorf("unknown text op %q", step.Op)
	}
}

func (self *ScenarioRunner) runListOp(client *scenarioClient, step Step) error {
	binding := client.list(step.List)
	switch step.Op {
	case "insert":
		value, err := stepValue(step)
		if err != nil {
			return err
		}
		return binding.Insert(step.Index, value)
	case "append":
		value, err := stepValue(step)
		if err != nil {
			return err
		}
		return binding.Append(value)
	case "delete":
		length := step.Length
		if length == 0 {
			length = 1
		}
		return binding.DeleteRange(step.Index, length)
	default:
		return fmt.Errorf("unknown list op %q", step.Op)
	}
}

func (self *ScenarioRunner) runMapOp(client *scenarioClient, step Step) error {
	binding := client.mapBinding(step.Map)
	switch step.Op {
	case "set":
		value, err := stepValue(step)
		if err != nil {
			return err
		}
		return binding.Set(step.Key, value)
	case "pop":
		_, _, err := binding.Pop(step.Key)
		return err
	default:
		return fmt.Errorf("unknown map op %q", step.Op)
	}
}

// runAssert evaluates an expression over an environment exposing the
// pool: text(client, name), items(client, name), key(client, name, k),
// and clients(). The expression must evaluate to true.
func (self *ScenarioRunner) runAssert(source string) error {
	options := []expr.Option{
		expr.Function("clients", func(params ...any) (any, error) {
			return len(self.clients), nil
		}),
		expr.Function("text", func(params ...any) (any, error) {
			client, name, err := clientAndName(self.clients, params)
			if err != nil {
				return nil, err
			}
			return client.text(name).PlainText(), nil
		}),
		expr.Function("items", func(params ...any) (any, error) {
			client, name, err := clientAndName(self.clients, params)
			if err != nil {
				return nil, err
			}
			items := []any{}
			for _, item := range client.list(name).Model().Items {
				items = append(items, exprValue(item))
			}
			return items, nil
		}),
		expr.Function("key", func(params ...any) (any, error) {
			if len(params) != 3 {
				return nil, fmt.Errorf("key(client, name, k) takes 3 arguments")
			}
			client, name, err := clientAndName(self.clients, params[:2])
			if err != nil {
				return nil, err
			}
			k, ok := params[2].(string)
			if !ok {
				return nil, fmt.Errorf("key name must be a string")
			}
			item, ok := client.mapBinding(name).Model().Items[k]
			if !ok {
				return nil, nil
			}
			return exprValue(item), nil
		}),
	}
	program, err := expr.Compile(source, options...)
	if err != nil {
		return fmt.Errorf("assert %q: %w", source, err)
	}
	result, err := expr.Run(program, map[string]any{})
	if err != nil {
		return fmt.Errorf("assert %q: %w", source, err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return fmt.Errorf("assert %q evaluated to %T, not bool", source, result)
	}
	if !ok {
		return fmt.Errorf("assert %q is false", source)
	}
	return nil
}

// exprValue renders a mirror item for the expression environment.
// Integers widen to int so literal comparisons like `items(...) == [7]`
// work element for element.
func exprValue(item any) any {
	value, ok := item.(crdt.Value)
	if !ok {
		return item
	}
	if value.Kind() == crdt.KindInt {
		return int(value.Int64())
	}
	return value.Interface()
}

func clientAndName(clients []*scenarioClient, params []any) (*scenarioClient, string, error) {
	if len(params) != 2 {
		return nil, "", fmt.Errorf("expected (client, name) arguments")
	}
	index, ok := intParam(params[0])
	if !ok {
		return nil, "", fmt.Errorf("client index must be an integer")
	}
	if index < 0 || len(clients) <= index {
		return nil, "", fmt.Errorf("client %d out of range [0, %d)", index, len(clients))
	}
	name, ok := params[1].(string)
	if !ok {
		return nil, "", fmt.Errorf("container name must be a string")
	}
	return clients[index], name, nil
}

func intParam(param any) (int, bool) {
	switch v := param.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
