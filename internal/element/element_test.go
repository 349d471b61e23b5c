package element

import (
	"encoding/json"
	"sort"
	"testing"
)

func rec(id, data string) Record {
	return Record{ID: id, Data: json.RawMessage(data)}
}

func TestClassify_Buckets(t *testing.T) {
	in := []Record{
		rec("n1", `{"type":"sticky-note","text":"hi"}`),
		rec("f1", `{"type":"frame"}`),
		rec("t1", `{"type":"text"}`),
		rec("s1", `{"type":"shape","kind":"rect"}`),
		rec("l1", `{"points":[[0,0],[1,1]]}`),
		rec("l2", `{"type":"line"}`),
	}
	c := Classify(in)

	check := func(name string, got []Record, want ...string) {
		t.Helper()
		if len(got) != len(want) {
			t.Fatalf("%s: expected %v, got %d records", name, want, len(got))
		}
		for i, id := range want {
			if got[i].ID != id {
				t.Fatalf("%s[%d]: expected %s, got %s", name, i, id, got[i].ID)
			}
		}
	}
	check("stickyNotes", c.StickyNotes, "n1")
	check("frames", c.Frames, "f1")
	check("textElements", c.TextElements, "t1")
	check("shapes", c.Shapes, "s1")
	check("lines", c.Lines, "l1", "l2")
}

func TestClassify_StringEncodedData(t *testing.T) {
	inner := `{"type":"sticky-note","text":"x"}`
	encoded, _ := json.Marshal(inner)
	c := Classify([]Record{{ID: "n1", Data: encoded}})
	if len(c.StickyNotes) != 1 {
		t.Fatalf("expected string-encoded payload classified as sticky note, got %+v", c)
	}
}

func TestClassify_Exhaustive(t *testing.T) {
	in := []Record{
		rec("a", `{"type":"sticky-note"}`),
		rec("b", `{"type":"frame"}`),
		rec("c", `{"type":"text"}`),
		rec("d", `{"type":"shape"}`),
		rec("e", `{}`),
		rec("f", `{"type":"diagram"}`),
		rec("g", ``),
		rec("h", `"not json object"`),
		rec("i", `[1,2]`),
		rec("j", `{"type":42}`),
	}
	c := Classify(in)
	if c.Len() != len(in) {
		t.Fatalf("expected %d records across buckets, got %d", len(in), c.Len())
	}

	var ids []string
	for _, r := range c.All() {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	for i, r := range in {
		if ids[i] != r.ID {
			t.Fatalf("expected each id exactly once, got %v", ids)
		}
	}
	if len(c.Lines) != 6 {
		t.Fatalf("expected unknown kinds in lines, got %d", len(c.Lines))
	}
}

func TestClassify_EmptyInput(t *testing.T) {
	c := Classify(nil)
	if c.Lines == nil || c.StickyNotes == nil || c.Frames == nil || c.TextElements == nil || c.Shapes == nil {
		t.Fatalf("expected non-nil empty buckets")
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty")
	}
}

func TestRecord_Kind(t *testing.T) {
	if k := rec("x", ` {"type":"frame"} `).Kind(); k != KindFrame {
		t.Fatalf("expected frame, got %q", k)
	}
	if k := rec("x", `null`).Kind(); k != "" {
		t.Fatalf("expected empty kind, got %q", k)
	}
	if !Classify([]Record{rec("x", `{"type":"frame"}`)}).Contains("x") {
		t.Fatalf("expected Contains to find x")
	}
}
