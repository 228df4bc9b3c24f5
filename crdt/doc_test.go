package crdt

import (
	"errors"
	"math"
	"testing"

	"github.com/go-playground/assert/v2"
)

func collectUpdates(doc *Doc) *[][]byte {
	updates := &[][]byte{}
	doc.ObserveAfterTransaction(func(event AfterTransactionEvent) {
		if !IsEmptyUpdate(event.Update) {
			*updates = append(*updates, event.Update)
		}
	})
	return updates
}

func mustTransact(t *testing.T, doc *Doc, callback func(txn *Txn) error) {
	t.Helper()
	err := doc.Transact(callback)
	assert.Equal(t, err, nil)
}

func TestTextLocalEdits(t *testing.T) {
	doc := NewDoc()
	text := doc.Text("t")

	events := []TextEvent{}
	text.Observe(func(event TextEvent) {
		events = append(events, event)
	})

	mustTransact(t, doc, func(txn *Txn) error {
		return text.Insert(txn, 0, "abc", nil)
	})
	assert.Equal(t, text.String(), "abc")
	assert.Equal(t, text.Len(), 3)
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Deltas, []Delta{
		{Insert: []Value{String("abc")}},
	})

	mustTransact(t, doc, func(txn *Txn) error {
		return text.Insert(txn, 1, "X", nil)
	})
	assert.Equal(t, text.String(), "aXbc")
	assert.Equal(t, events[1].Deltas, []Delta{
		{Retain: 1},
		{Insert: []Value{String("X")}},
	})

	mustTransact(t, doc, func(txn *Txn) error {
		return text.Delete(txn, 1)
	})
	assert.Equal(t, text.String(), "abc")
	assert.Equal(t, text.DeletedLen(), 1)
	assert.Equal(t, events[2].Deltas, []Delta{
		{Retain: 1},
		{Delete: 1},
	})

	mustTransact(t, doc, func(txn *Txn) error {
		return text.Extend(txn, "!")
	})
	assert.Equal(t, text.String(), "abc!")
}

func TestTextInsertOutOfRange(t *testing.T) {
	doc := NewDoc()
	text := doc.Text("t")

	err := doc.Transact(func(txn *Txn) error {
		return text.Insert(txn, 1, "x", nil)
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, text.String(), "")

	err = doc.Transact(func(txn *Txn) error {
		return text.DeleteRange(txn, 0, 1)
	})
	assert.NotEqual(t, err, nil)
}

func TestTextFormat(t *testing.T) {
	doc := NewDoc()
	text := doc.Text("t")

	mustTransact(t, doc, func(txn *Txn) error {
		return text.Insert(txn, 0, "abc", nil)
	})

	events := []TextEvent{}
	text.Observe(func(event TextEvent) {
		events = append(events, event)
	})

	mustTransact(t, doc, func(txn *Txn) error {
		return text.Format(txn, 0, 2, map[string]Value{"bold": Bool(true)})
	})
	elems := text.Elems()
	assert.Equal(t, elems[0].Attributes, map[string]Value{"bold": Bool(true)})
	assert.Equal(t, elems[1].Attributes, map[string]Value{"bold": Bool(true)})
	assert.Equal(t, len(elems[2].Attributes), 0)
	assert.Equal(t, events[0].Deltas, []Delta{
		{Retain: 2, Attributes: map[string]Value{"bold": Bool(true)}},
	})

	// null removes the key
	mustTransact(t, doc, func(txn *Txn) error {
		return text.Format(txn, 0, 1, map[string]Value{"bold": Null()})
	})
	assert.Equal(t, len(text.Elems()[0].Attributes), 0)
}

func TestTextEmbed(t *testing.T) {
	doc := NewDoc()
	text := doc.Text("t")

	mustTransact(t, doc, func(txn *Txn) error {
		return text.Insert(txn, 0, "ab", nil)
	})
	mustTransact(t, doc, func(txn *Txn) error {
		return text.InsertEmbed(txn, 1, Int(7), map[string]Value{"w": Int(100)})
	})
	assert.Equal(t, text.Len(), 3)
	// embeds are invisible to the plain string
	assert.Equal(t, text.String(), "ab")
	assert.Equal(t, text.Elems()[1].Value, Int(7))

	err := doc.Transact(func(txn *Txn) error {
		return text.InsertEmbed(txn, 0, TextValue(doc.NewText()), nil)
	})
	assert.NotEqual(t, err, nil)
}

func TestListLocalEdits(t *testing.T) {
	doc := NewDoc()
	list := doc.List("l")

	events := []ListEvent{}
	list.Observe(func(event ListEvent) {
		events = append(events, event)
	})

	mustTransact(t, doc, func(txn *Txn) error {
		return list.Extend(txn, []Value{Int(1), Int(2), Int(3)})
	})
	assert.Equal(t, list.Values(), []Value{Int(1), Int(2), Int(3)})
	assert.Equal(t, events[0].Deltas, []Delta{
		{Insert: []Value{Int(1), Int(2), Int(3)}},
	})

	mustTransact(t, doc, func(txn *Txn) error {
		return list.Delete(txn, 1)
	})
	assert.Equal(t, list.Values(), []Value{Int(1), Int(3)})
	assert.Equal(t, events[1].Deltas, []Delta{
		{Retain: 1},
		{Delete: 1},
	})

	mustTransact(t, doc, func(txn *Txn) error {
		return list.Insert(txn, 1, String("mid"))
	})
	assert.Equal(t, list.Values(), []Value{Int(1), String("mid"), Int(3)})
}

func TestMapLocalEdits(t *testing.T) {
	doc := NewDoc()
	m := doc.Map("m")

	events := []MapEvent{}
	m.Observe(func(event MapEvent) {
		events = append(events, event)
	})

	mustTransact(t, doc, func(txn *Txn) error {
		return m.Set(txn, "k", Int(1))
	})
	assert.Equal(t, m.Entries(), map[string]Value{"k": Int(1)})
	assert.Equal(t, events[0].Keys, map[string]KeyChange{
		"k": {Action: ActionAdd, NewValue: Int(1)},
	})

	mustTransact(t, doc, func(txn *Txn) error {
		return m.Set(txn, "k", Int(2))
	})
	assert.Equal(t, events[1].Keys, map[string]KeyChange{
		"k": {Action: ActionUpdate, OldValue: Int(1), NewValue: Int(2)},
	})

	var popped Value
	var ok bool
	mustTransact(t, doc, func(txn *Txn) error {
		popped, ok = m.Pop(txn, "k")
		return nil
	})
	assert.Equal(t, ok, true)
	assert.Equal(t, popped, Int(2))
	assert.Equal(t, m.Len(), 0)
	assert.Equal(t, events[2].Keys, map[string]KeyChange{
		"k": {Action: ActionDelete, OldValue: Int(2)},
	})

	mustTransact(t, doc, func(txn *Txn) error {
		_, ok = m.Pop(txn, "missing")
		return nil
	})
	assert.Equal(t, ok, false)
}

func TestMapUpdateSortedOrder(t *testing.T) {
	doc := NewDoc()
	m := doc.Map("m")

	mustTransact(t, doc, func(txn *Txn) error {
		return m.Update(txn, map[string]Value{
			"b": Int(2),
			"a": Int(1),
			"c": Int(3),
		})
	})
	assert.Equal(t, m.Entries(), map[string]Value{
		"a": Int(1),
		"b": Int(2),
		"c": Int(3),
	})
}

func TestEmptyTransactionEmitsSentinel(t *testing.T) {
	doc := NewDoc()

	var update []byte
	doc.ObserveAfterTransaction(func(event AfterTransactionEvent) {
		update = event.Update
	})
	mustTransact(t, doc, func(txn *Txn) error {
		return nil
	})
	assert.Equal(t, update, EmptyUpdate)
	assert.Equal(t, IsEmptyUpdate(update), true)
}

func TestUpdateFanOut(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	updates := collectUpdates(a)

	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Insert(txn, 0, "hi", nil)
	})
	assert.Equal(t, len(*updates), 1)

	err := b.ApplyUpdate((*updates)[0])
	assert.Equal(t, err, nil)
	assert.Equal(t, b.Text("t").String(), "hi")
}

func TestUpdateIdempotent(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	updates := collectUpdates(a)

	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Insert(txn, 0, "abc", nil)
	})
	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Delete(txn, 1)
	})

	for i := 0; i < 3; i += 1 {
		for _, update := range *updates {
			err := b.ApplyUpdate(update)
			assert.Equal(t, err, nil)
		}
	}
	assert.Equal(t, b.Text("t").String(), a.Text("t").String())
	assert.Equal(t, b.Text("t").String(), "ac")
}

func TestUpdatesCommuteAcrossReplicas(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	updatesA := collectUpdates(a)
	updatesB := collectUpdates(b)

	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Insert(txn, 0, "left", nil)
	})
	mustTransact(t, b, func(txn *Txn) error {
		return b.Text("t").Insert(txn, 0, "right", nil)
	})

	// opposite delivery orders
	c := NewDoc()
	d := NewDoc()
	assert.Equal(t, c.ApplyUpdate((*updatesA)[0]), nil)
	assert.Equal(t, c.ApplyUpdate((*updatesB)[0]), nil)
	assert.Equal(t, d.ApplyUpdate((*updatesB)[0]), nil)
	assert.Equal(t, d.ApplyUpdate((*updatesA)[0]), nil)

	assert.Equal(t, c.Text("t").String(), d.Text("t").String())
	assert.Equal(t, c.Text("t").Len(), 9)
}

func TestListUpdatesCommuteAcrossReplicas(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	updatesA := collectUpdates(a)
	updatesB := collectUpdates(b)

	mustTransact(t, a, func(txn *Txn) error {
		return a.List("l").Extend(txn, []Value{Int(1), Int(2)})
	})
	mustTransact(t, b, func(txn *Txn) error {
		return b.List("l").Append(txn, String("x"))
	})

	c := NewDoc()
	d := NewDoc()
	assert.Equal(t, c.ApplyUpdate((*updatesA)[0]), nil)
	assert.Equal(t, c.ApplyUpdate((*updatesB)[0]), nil)
	assert.Equal(t, d.ApplyUpdate((*updatesB)[0]), nil)
	assert.Equal(t, d.ApplyUpdate((*updatesA)[0]), nil)

	assert.Equal(t, c.List("l").Values(), d.List("l").Values())
	assert.Equal(t, c.List("l").Len(), 3)
}

func TestGapBufferedDelivery(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	updates := collectUpdates(a)

	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Insert(txn, 0, "ab", nil)
	})
	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Insert(txn, 2, "cd", nil)
	})
	assert.Equal(t, len(*updates), 2)

	// the second transaction lands first and parks until the gap fills
	assert.Equal(t, b.ApplyUpdate((*updates)[1]), nil)
	assert.Equal(t, b.Text("t").String(), "")
	assert.Equal(t, b.ApplyUpdate((*updates)[0]), nil)
	assert.Equal(t, b.Text("t").String(), "abcd")
}

func TestDeleteBeforeInsertDelivery(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	updates := collectUpdates(a)

	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Insert(txn, 0, "abc", nil)
	})
	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Delete(txn, 1)
	})

	// the delete-only update arrives first; it has no op clocks so it
	// applies immediately and the insert integrates pre-tombstoned
	assert.Equal(t, b.ApplyUpdate((*updates)[1]), nil)
	assert.Equal(t, b.ApplyUpdate((*updates)[0]), nil)
	assert.Equal(t, b.Text("t").String(), "ac")
}

func TestFormatConvergesLastWriterWins(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	updatesA := collectUpdates(a)

	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Insert(txn, 0, "x", nil)
	})
	assert.Equal(t, b.ApplyUpdate((*updatesA)[0]), nil)
	updatesB := collectUpdates(b)

	// concurrent formats of the same element
	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Format(txn, 0, 1, map[string]Value{"color": String("red")})
	})
	mustTransact(t, b, func(txn *Txn) error {
		return b.Text("t").Format(txn, 0, 1, map[string]Value{"color": String("blue")})
	})

	assert.Equal(t, b.ApplyUpdate((*updatesA)[1]), nil)
	assert.Equal(t, a.ApplyUpdate((*updatesB)[0]), nil)

	assert.Equal(t, a.Text("t").Elems()[0].Attributes, b.Text("t").Elems()[0].Attributes)
}

func TestMapConvergesLastWriterWins(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	updatesA := collectUpdates(a)
	updatesB := collectUpdates(b)

	mustTransact(t, a, func(txn *Txn) error {
		return a.Map("m").Set(txn, "k", Int(1))
	})
	mustTransact(t, b, func(txn *Txn) error {
		return b.Map("m").Set(txn, "k", Int(2))
	})

	assert.Equal(t, b.ApplyUpdate((*updatesA)[0]), nil)
	assert.Equal(t, a.ApplyUpdate((*updatesB)[0]), nil)
	assert.Equal(t, a.Map("m").Entries(), b.Map("m").Entries())
	assert.Equal(t, a.Map("m").Len(), 1)
}

func TestNestedContainerReplicates(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	updates := collectUpdates(a)

	nestedA := a.NewText()
	mustTransact(t, a, func(txn *Txn) error {
		return a.List("l").Append(txn, TextValue(nestedA))
	})
	mustTransact(t, a, func(txn *Txn) error {
		return nestedA.Insert(txn, 0, "deep", nil)
	})

	for _, update := range *updates {
		assert.Equal(t, b.ApplyUpdate(update), nil)
	}
	values := b.List("l").Values()
	assert.Equal(t, len(values), 1)
	assert.Equal(t, values[0].Kind(), KindTextRef)
	assert.Equal(t, values[0].Text().String(), "deep")
}

func TestNestedContainerOpsBeforeAttach(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	updates := collectUpdates(a)

	nestedA := a.NewText()
	mustTransact(t, a, func(txn *Txn) error {
		return a.List("l").Append(txn, TextValue(nestedA))
	})
	mustTransact(t, a, func(txn *Txn) error {
		return nestedA.Insert(txn, 0, "deep", nil)
	})

	// the nested edit arrives before the attach and is held back until
	// the attach integrates
	assert.Equal(t, b.ApplyUpdate((*updates)[1]), nil)
	assert.Equal(t, b.ApplyUpdate((*updates)[0]), nil)
	assert.Equal(t, b.List("l").Values()[0].Text().String(), "deep")
}

func TestNestedContainerCrossClientParking(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	c := NewDoc()
	updatesA := collectUpdates(a)

	nestedA := a.NewText()
	mustTransact(t, a, func(txn *Txn) error {
		return a.List("l").Append(txn, TextValue(nestedA))
	})
	assert.Equal(t, b.ApplyUpdate((*updatesA)[0]), nil)

	updatesB := collectUpdates(b)
	mustTransact(t, b, func(txn *Txn) error {
		return b.List("l").Values()[0].Text().Insert(txn, 0, "deep", nil)
	})

	// b's nested edit reaches c before a's attach op, so it parks on the
	// unknown container
	assert.Equal(t, c.ApplyUpdate((*updatesB)[0]), nil)
	assert.Equal(t, c.List("l").Len(), 0)
	assert.Equal(t, c.ApplyUpdate((*updatesA)[0]), nil)
	assert.Equal(t, c.List("l").Values()[0].Text().String(), "deep")
}

func TestStateVectorDiffBootstrap(t *testing.T) {
	a := NewDoc()
	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Insert(txn, 0, "history", nil)
	})
	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").DeleteRange(txn, 0, 3)
	})

	b := NewDoc()
	diff, err := a.Diff(b.StateVector())
	assert.Equal(t, err, nil)
	assert.Equal(t, b.ApplyUpdate(diff), nil)
	assert.Equal(t, b.Text("t").String(), "tory")

	// a second bootstrap round trips nothing new
	diff2, err := a.Diff(b.StateVector())
	assert.Equal(t, err, nil)
	var update []byte
	b.ObserveAfterTransaction(func(event AfterTransactionEvent) {
		update = event.Update
	})
	assert.Equal(t, b.ApplyUpdate(diff2), nil)
	assert.Equal(t, IsEmptyUpdate(update), true)
}

func TestTransactionErrorEmitsNothing(t *testing.T) {
	doc := NewDoc()
	text := doc.Text("t")

	fired := false
	text.Observe(func(event TextEvent) {
		fired = true
	})
	afterFired := false
	doc.ObserveAfterTransaction(func(event AfterTransactionEvent) {
		afterFired = true
	})

	err := doc.Transact(func(txn *Txn) error {
		return text.Insert(txn, 5, "nope", nil)
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, fired, false)
	assert.Equal(t, afterFired, false)
	assert.Equal(t, text.String(), "")
}

func TestTransactionErrorRollsBackEarlierPrimitives(t *testing.T) {
	doc := NewDoc()
	text := doc.Text("t")
	updates := collectUpdates(doc)

	fired := false
	text.Observe(func(event TextEvent) {
		fired = true
	})

	err := doc.Transact(func(txn *Txn) error {
		if err := text.Insert(txn, 0, "abc", nil); err != nil {
			return err
		}
		return text.Insert(txn, 99, "late", nil)
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, text.String(), "")
	assert.Equal(t, text.Len(), 0)
	assert.Equal(t, fired, false)
	assert.Equal(t, len(*updates), 0)

	// the clock rewinds, so the next transaction replicates cleanly
	mustTransact(t, doc, func(txn *Txn) error {
		return text.Insert(txn, 0, "ok", nil)
	})
	assert.Equal(t, text.String(), "ok")
	b := NewDoc()
	assert.Equal(t, b.ApplyUpdate((*updates)[0]), nil)
	assert.Equal(t, b.Text("t").String(), "ok")
}

func TestTransactionRollbackRestoresAllContainers(t *testing.T) {
	doc := NewDoc()
	text := doc.Text("t")
	list := doc.List("l")
	m := doc.Map("m")
	mustTransact(t, doc, func(txn *Txn) error {
		if err := text.Insert(txn, 0, "abc", nil); err != nil {
			return err
		}
		if err := m.Set(txn, "k", Int(1)); err != nil {
			return err
		}
		return list.Append(txn, Int(7))
	})

	nested := doc.NewText()
	err := doc.Transact(func(txn *Txn) error {
		if err := text.Format(txn, 0, 2, map[string]Value{"bold": Bool(true)}); err != nil {
			return err
		}
		if err := text.Delete(txn, 0); err != nil {
			return err
		}
		if err := m.Set(txn, "k", Int(2)); err != nil {
			return err
		}
		if err := list.Append(txn, TextValue(nested)); err != nil {
			return err
		}
		return errors.New("abort")
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, text.String(), "abc")
	assert.Equal(t, len(text.Elems()[0].Attributes), 0)
	assert.Equal(t, text.DeletedLen(), 0)
	assert.Equal(t, m.Entries(), map[string]Value{"k": Int(1)})
	assert.Equal(t, list.Len(), 1)
	assert.Equal(t, nested.attached(), false)

	// the rolled back container can still attach later
	mustTransact(t, doc, func(txn *Txn) error {
		return list.Append(txn, TextValue(nested))
	})
	assert.Equal(t, list.Len(), 2)
	assert.Equal(t, nested.attached(), true)
}

func TestApplyUpdateRejectsRootKindMismatch(t *testing.T) {
	a := NewDoc()
	updates := collectUpdates(a)
	mustTransact(t, a, func(txn *Txn) error {
		return a.List("x").Append(txn, Int(1))
	})

	b := NewDoc()
	b.Text("x")
	err := b.ApplyUpdate((*updates)[0])
	assert.Equal(t, errors.Is(err, ErrMalformedUpdate), true)

	// nothing survives the rejected update
	assert.Equal(t, b.Text("x").String(), "")
	next, svErr := decodeStateVector(b.StateVector())
	assert.Equal(t, svErr, nil)
	assert.Equal(t, len(next), 0)
}

func TestApplyUpdateBoundsDeleteRanges(t *testing.T) {
	a := NewDoc()
	updates := collectUpdates(a)
	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Insert(txn, 0, "ab", nil)
	})

	b := NewDoc()
	assert.Equal(t, b.ApplyUpdate((*updates)[0]), nil)

	// a delete section claiming four billion clocks must finish without
	// walking them one by one
	deletes := NewDeleteSet()
	deletes.addRange(a.ClientNumber(), clockRange{start: 0, length: math.MaxUint32})
	assert.Equal(t, b.ApplyUpdate(encodeUpdate(nil, deletes)), nil)
	assert.Equal(t, b.Text("t").String(), "")
	assert.Equal(t, b.Text("t").DeletedLen(), 2)

	// the whole range is still recorded, so inserts that arrive later
	// integrate pre-tombstoned
	mustTransact(t, a, func(txn *Txn) error {
		return a.Text("t").Extend(txn, "cd")
	})
	assert.Equal(t, b.ApplyUpdate((*updates)[1]), nil)
	assert.Equal(t, b.Text("t").String(), "")
	assert.Equal(t, b.Text("t").DeletedLen(), 4)

	// replaying the same range merges in nothing new
	var echo []byte
	b.ObserveAfterTransaction(func(event AfterTransactionEvent) {
		echo = event.Update
	})
	assert.Equal(t, b.ApplyUpdate(encodeUpdate(nil, deletes)), nil)
	assert.Equal(t, IsEmptyUpdate(echo), true)
}

func TestObserveUnsubscribe(t *testing.T) {
	doc := NewDoc()
	text := doc.Text("t")

	count := 0
	unsub := text.Observe(func(event TextEvent) {
		count += 1
	})
	mustTransact(t, doc, func(txn *Txn) error {
		return text.Insert(txn, 0, "a", nil)
	})
	unsub()
	mustTransact(t, doc, func(txn *Txn) error {
		return text.Insert(txn, 0, "b", nil)
	})
	assert.Equal(t, count, 1)
}
