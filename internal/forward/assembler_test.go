package forward

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"tg_forwarder/internal/forward/models"
)

type unitCollector struct {
	mu    sync.Mutex
	units []models.Unit
}

func (c *unitCollector) add(u models.Unit) {
	c.mu.Lock()
	c.units = append(c.units, u)
	c.mu.Unlock()
}

func (c *unitCollector) snapshot() []models.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Unit, len(c.units))
	copy(out, c.units)
	return out
}

func (c *unitCollector) waitFor(t *testing.T, n int, timeout time.Duration) []models.Unit {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		units := c.snapshot()
		if len(units) >= n {
			return units
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d units, have %d", n, len(c.snapshot()))
	return nil
}

func msg(id int, groupID string) models.MessageRef {
	return models.MessageRef{SourceChannelID: -100, MessageID: id, MediaGroupID: groupID, MediaType: models.MediaTypePhoto, FileID: "f"}
}

func textMsg(id int) models.MessageRef {
	return models.MessageRef{SourceChannelID: -100, MessageID: id, Text: "hello"}
}

func TestAssemblerSingletons(t *testing.T) {
	col := &unitCollector{}
	a := NewAssembler(0, col.add)

	a.Add(textMsg(1))
	a.Add(textMsg(2))
	a.Add(textMsg(3))

	units := col.snapshot()
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	for i, u := range units {
		if u.IsGroup() {
			t.Fatalf("unit %d must not be a group", i)
		}
		if u.FirstID() != i+1 {
			t.Fatalf("units out of order: got id %d at position %d", u.FirstID(), i)
		}
	}
}

func TestAssemblerGroupBoundary(t *testing.T) {
	col := &unitCollector{}
	a := NewAssembler(0, col.add)

	a.Add(msg(10, "g1"))
	a.Add(msg(11, "g1"))
	a.Add(msg(12, "g1"))
	a.Add(textMsg(13)) // 组边界

	units := col.snapshot()
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if !units[0].IsGroup() || units[0].GroupID != "g1" {
		t.Fatalf("first unit must be group g1")
	}
	if !reflect.DeepEqual(units[0].IDs(), []int{10, 11, 12}) {
		t.Fatalf("unexpected group members: %v", units[0].IDs())
	}
	if units[1].FirstID() != 13 {
		t.Fatalf("singleton must follow the group")
	}
}

func TestAssemblerAdjacentGroups(t *testing.T) {
	col := &unitCollector{}
	a := NewAssembler(0, col.add)

	a.Add(msg(1, "g1"))
	a.Add(msg(2, "g1"))
	a.Add(msg(3, "g2")) // 新组 ID 直接作为边界
	a.Add(msg(4, "g2"))
	a.Flush()

	units := col.snapshot()
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].GroupID != "g1" || units[1].GroupID != "g2" {
		t.Fatalf("unexpected group order: %s, %s", units[0].GroupID, units[1].GroupID)
	}
}

func TestAssemblerSortsGroupMembers(t *testing.T) {
	col := &unitCollector{}
	a := NewAssembler(0, col.add)

	a.Add(msg(22, "g1"))
	a.Add(msg(20, "g1"))
	a.Add(msg(21, "g1"))
	a.Flush()

	units := col.snapshot()
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	if !reflect.DeepEqual(units[0].IDs(), []int{20, 21, 22}) {
		t.Fatalf("group members must be ascending: %v", units[0].IDs())
	}
}

func TestAssemblerSplitsOversizedGroup(t *testing.T) {
	col := &unitCollector{}
	a := NewAssembler(0, col.add)

	// 12 条同组消息：前 10 条一组，剩余 2 条开新组
	for id := 1; id <= 12; id++ {
		a.Add(msg(id, "big"))
	}
	a.Flush()

	units := col.snapshot()
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if len(units[0].Messages) != models.MaxMediaGroupSize {
		t.Fatalf("first chunk must hold %d members, got %d", models.MaxMediaGroupSize, len(units[0].Messages))
	}
	if !reflect.DeepEqual(units[1].IDs(), []int{11, 12}) {
		t.Fatalf("second chunk must hold the overflow: %v", units[1].IDs())
	}
}

func TestAssemblerTimeoutFlush(t *testing.T) {
	col := &unitCollector{}
	a := NewAssembler(30*time.Millisecond, col.add)

	a.Add(msg(1, "g1"))
	a.Add(msg(2, "g1"))

	units := col.waitFor(t, 1, time.Second)
	if !reflect.DeepEqual(units[0].IDs(), []int{1, 2}) {
		t.Fatalf("unexpected flushed group: %v", units[0].IDs())
	}

	// 超时后同组 ID 的消息属于新组
	a.Add(msg(3, "g1"))
	a.Flush()
	units = col.waitFor(t, 2, time.Second)
	if !reflect.DeepEqual(units[1].IDs(), []int{3}) {
		t.Fatalf("late member must start a fresh group: %v", units[1].IDs())
	}
}

func TestAssemblerFlushWithoutOpenGroup(t *testing.T) {
	col := &unitCollector{}
	a := NewAssembler(0, col.add)

	a.Flush()
	a.Add(textMsg(1))
	a.Flush()

	units := col.snapshot()
	if len(units) != 1 {
		t.Fatalf("expected exactly 1 unit, got %d", len(units))
	}
}
