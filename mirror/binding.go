package mirror

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/golang/glog"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/sergi/go-diff/diffmatchpatch"

	"bringyour.com/codoc/crdt"
)

// A binding owns one mirror model and the subscription feeding it. It
// holds non-owning references to the container and the parent document
// so mutation methods can open transactions. Each mutation wraps
// exactly one container primitive in a transaction, so the mirror
// reflects the change before the call returns; engine errors propagate
// unchanged with nothing mutated.
//
// The first consistency violation observed while replaying deltas is
// sticky: Err reports it and the model must not be trusted afterward.

// wrapValue wraps a nested container value in a live binding.
func wrapValue(doc *crdt.Doc) WrapFunc {
	return func(value crdt.Value) any {
		switch value.Kind() {
		case crdt.KindTextRef:
			return NewTextBinding(doc, value.Text())
		case crdt.KindListRef:
			return NewListBinding(doc, value.List())
		case crdt.KindMapRef:
			return NewMapBinding(doc, value.Map())
		default:
			return value
		}
	}
}

type TextBinding struct {
	doc  *crdt.Doc
	text *crdt.Text

	model  *TextModel
	events []Event
	err    error
	unsub  func()
}

// NewTextBinding seeds a model from the container's current content and
// attaches the observer that keeps it in sync.
func NewTextBinding(doc *crdt.Doc, text *crdt.Text) *TextBinding {
	model := NewTextModel()
	for _, elem := range text.Elems() {
		model.Items = append(model.Items, TextItem{
			Value:      elem.Value,
			Attributes: copyAttributes(elem.Attributes),
		})
	}
	binding := &TextBinding{
		doc:   doc,
		text:  text,
		model: model,
	}
	binding.unsub = text.Observe(binding.observe)
	return binding
}

func (self *TextBinding) observe(event crdt.TextEvent) {
	ev, err := EventFromDeltas(event.Deltas)
	if err != nil {
		self.fail(err)
		return
	}
	self.events = append(self.events, ev)
	if err := self.model.ApplyEvent(ev); err != nil {
		self.fail(err)
	}
}

func (self *TextBinding) fail(err error) {
	if self.err == nil {
		self.err = err
		glog.Infof("[mirror]text binding failed: %s\n", err)
	}
}

// Err returns the first consistency violation, or nil.
func (self *TextBinding) Err() error {
	return self.err
}

func (self *TextBinding) Model() *TextModel {
	return self.model
}

func (self *TextBinding) Events() []Event {
	return self.events
}

func (self *TextBinding) PlainText() string {
	return self.model.PlainText()
}

func (self *TextBinding) ContainerValue() crdt.Value {
	return crdt.TextValue(self.text)
}

// Close releases the observer subscription. The model stays readable.
func (self *TextBinding) Close() {
	if self.unsub != nil {
		self.unsub()
		self.unsub = nil
	}
}

func (self *TextBinding) Insert(index int, chunk string, attributes map[string]crdt.Value) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.text.Insert(txn, index, chunk, attributes)
	})
}

func (self *TextBinding) InsertEmbed(index int, embed crdt.Value, attributes map[string]crdt.Value) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.text.InsertEmbed(txn, index, embed, attributes)
	})
}

func (self *TextBinding) Extend(chunk string) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.text.Extend(txn, chunk)
	})
}

func (self *TextBinding) Format(index int, length int, attributes map[string]crdt.Value) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.text.Format(txn, index, length, attributes)
	})
}

func (self *TextBinding) Delete(index int) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.text.Delete(txn, index)
	})
}

func (self *TextBinding) DeleteRange(index int, length int) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.text.DeleteRange(txn, index, length)
	})
}

// SetText diffs the current plain text against text and issues the
// minimal insert/delete mutations, one transaction per hunk.
func (self *TextBinding) SetText(text string) error {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(self.PlainText(), text, false)
	idx := 0
	for _, diff := range diffs {
		n := utf8.RuneCountInString(diff.Text)
		switch diff.Type {
		case diffmatchpatch.DiffEqual:
			idx += n
		case diffmatchpatch.DiffDelete:
			if err := self.DeleteRange(idx, n); err != nil {
				return err
			}
		case diffmatchpatch.DiffInsert:
			if err := self.Insert(idx, diff.Text, nil); err != nil {
				return err
			}
			idx += n
		}
	}
	return nil
}

func (self *TextBinding) String() string {
	return fmt.Sprintf("<TextBinding %s>", self.PlainText())
}

func (self *TextBinding) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.model)
}

type ListBinding struct {
	doc  *crdt.Doc
	list *crdt.List

	model  *ListModel
	events []Event
	err    error
	unsub  func()
}

func NewListBinding(doc *crdt.Doc, list *crdt.List) *ListBinding {
	model := NewListModel()
	wrap := wrapValue(doc)
	for _, value := range list.Values() {
		var item any = value
		if value.IsContainer() {
			item = wrap(value)
		}
		model.Items = append(model.Items, item)
	}
	binding := &ListBinding{
		doc:   doc,
		list:  list,
		model: model,
	}
	binding.unsub = list.Observe(binding.observe)
	return binding
}

func (self *ListBinding) observe(event crdt.ListEvent) {
	ev, err := EventFromDeltas(event.Deltas)
	if err != nil {
		self.fail(err)
		return
	}
	self.events = append(self.events, ev)
	if err := self.model.ApplyEvent(ev, wrapValue(self.doc)); err != nil {
		self.fail(err)
	}
}

func (self *ListBinding) fail(err error) {
	if self.err == nil {
		self.err = err
		glog.Infof("[mirror]list binding failed: %s\n", err)
	}
}

func (self *ListBinding) Err() error {
	return self.err
}

func (self *ListBinding) Model() *ListModel {
	return self.model
}

func (self *ListBinding) Events() []Event {
	return self.events
}

func (self *ListBinding) ContainerValue() crdt.Value {
	return crdt.ListValue(self.list)
}

// Close releases the subscription and closes nested bindings.
func (self *ListBinding) Close() {
	if self.unsub != nil {
		self.unsub()
		self.unsub = nil
	}
	for _, item := range self.model.Items {
		if binding, ok := item.(nested); ok {
			binding.Close()
		}
	}
}

func (self *ListBinding) Insert(index int, value crdt.Value) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.list.Insert(txn, index, value)
	})
}

func (self *ListBinding) InsertRange(index int, values []crdt.Value) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.list.InsertRange(txn, index, values)
	})
}

func (self *ListBinding) Append(value crdt.Value) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.list.Append(txn, value)
	})
}

func (self *ListBinding) Extend(values []crdt.Value) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.list.Extend(txn, values)
	})
}

func (self *ListBinding) Delete(index int) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.list.Delete(txn, index)
	})
}

func (self *ListBinding) DeleteRange(index int, length int) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.list.DeleteRange(txn, index, length)
	})
}

func (self *ListBinding) String() string {
	return fmt.Sprintf("<ListBinding %d>", len(self.model.Items))
}

func (self *ListBinding) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.model)
}

type MapBinding struct {
	doc *crdt.Doc
	m   *crdt.Map

	model  *MapModel
	events []crdt.MapEvent
	err    error
	unsub  func()
}

func NewMapBinding(doc *crdt.Doc, m *crdt.Map) *MapBinding {
	model := NewMapModel()
	wrap := wrapValue(doc)
	for key, value := range m.Entries() {
		var item any = value
		if value.IsContainer() {
			item = wrap(value)
		}
		model.Items[key] = item
	}
	binding := &MapBinding{
		doc:   doc,
		m:     m,
		model: model,
	}
	binding.unsub = m.Observe(binding.observe)
	return binding
}

func (self *MapBinding) observe(event crdt.MapEvent) {
	self.events = append(self.events, event)
	self.model.ApplyEvent(event, wrapValue(self.doc))
}

func (self *MapBinding) Err() error {
	return self.err
}

func (self *MapBinding) Model() *MapModel {
	return self.model
}

func (self *MapBinding) Events() []crdt.MapEvent {
	return self.events
}

func (self *MapBinding) ContainerValue() crdt.Value {
	return crdt.MapValue(self.m)
}

// Close releases the subscription and closes nested bindings.
func (self *MapBinding) Close() {
	if self.unsub != nil {
		self.unsub()
		self.unsub = nil
	}
	for _, item := range self.model.Items {
		if binding, ok := item.(nested); ok {
			binding.Close()
		}
	}
}

func (self *MapBinding) Set(key string, value crdt.Value) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.m.Set(txn, key, value)
	})
}

func (self *MapBinding) Update(items map[string]crdt.Value) error {
	return self.doc.Transact(func(txn *crdt.Txn) error {
		return self.m.Update(txn, items)
	})
}

func (self *MapBinding) Pop(key string) (value crdt.Value, ok bool, err error) {
	err = self.doc.Transact(func(txn *crdt.Txn) error {
		value, ok = self.m.Pop(txn, key)
		return nil
	})
	return
}

// ApplyJSONPatch decodes an RFC 6902 patch and replays it as map
// mutations: add and replace become sets, remove becomes pop. Paths
// must address top-level keys; move, copy, and test are unsupported.
func (self *MapBinding) ApplyJSONPatch(patch []byte) error {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return err
	}
	for _, operation := range decoded {
		kind := rawPatchString(operation["op"])
		path := rawPatchString(operation["path"])
		if !strings.HasPrefix(path, "/") || strings.Contains(path[1:], "/") {
			return fmt.Errorf("json patch path %q does not address a top-level key", path)
		}
		key := path[1:]
		switch kind {
		case "add", "replace":
			raw, ok := operation["value"]
			if !ok {
				return fmt.Errorf("json patch %s of %q carries no value", kind, key)
			}
			var decoded any
			if err := json.Unmarshal(*raw, &decoded); err != nil {
				return err
			}
			value, err := crdt.ValueOf(decoded)
			if err != nil {
				return err
			}
			if err := self.Set(key, value); err != nil {
				return err
			}
		case "remove":
			if _, _, err := self.Pop(key); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported json patch op %q", kind)
		}
	}
	return nil
}

func rawPatchString(raw *json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(*raw, &s); err != nil {
		return ""
	}
	return s
}

func (self *MapBinding) String() string {
	return fmt.Sprintf("<MapBinding %d>", len(self.model.Items))
}

func (self *MapBinding) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.model)
}
