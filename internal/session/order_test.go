package session

import (
	"fmt"
	"reflect"
	"testing"
)

// offerAll feeds names to o and returns the staging order.
func offerAll(o *Orderer, names ...string) []string {
	var staged []string
	for _, n := range names {
		ready, _ := o.Offer(n)
		staged = append(staged, ready...)
	}
	return staged
}

func TestOrderer_UnorderedKeepsArrivalOrder(t *testing.T) {
	arrivals := []string{"z9.png", "a.png", "b2.png", "b2.png", "0.png", "notes.txt"}
	got := offerAll(NewUnordered(), arrivals...)
	if !reflect.DeepEqual(got, arrivals) {
		t.Errorf("staged %v, want arrival order %v", got, arrivals)
	}
}

func TestOrderer_IndexedScenario(t *testing.T) {
	o := NewIndexed(0)
	got := offerAll(o, "b3.png", "a0.png", "c1.png", "d2.png")
	want := []string{"a0.png", "c1.png", "d2.png", "b3.png"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("staged %v, want %v", got, want)
	}
	if o.Cursor() != 4 {
		t.Errorf("cursor = %d, want 4", o.Cursor())
	}
	if o.Waiting() {
		t.Errorf("nothing should be held, got %v", o.Held())
	}
}

func TestOrderer_Decisions(t *testing.T) {
	o := NewIndexed(5)

	tests := []struct {
		name  string
		want  Decision
		ready []string
	}{
		{"shot7.png", Held, nil},
		{"shot3.png", Ignored, nil},
		{"cover.png", Unindexed, nil},
		{"shot7-again7.png", Ignored, nil}, // index 7 already held
		{"shot5.png", Ready, []string{"shot5.png"}},
		{"shot6.png", Ready, []string{"shot6.png", "shot7.png"}},
		{"shot6-dup.png", Ignored, nil}, // index 6 already staged
	}
	for _, tt := range tests {
		ready, d := o.Offer(tt.name)
		if d != tt.want {
			t.Errorf("Offer(%q) decision = %s, want %s", tt.name, d, tt.want)
		}
		if !reflect.DeepEqual(ready, tt.ready) {
			t.Errorf("Offer(%q) ready = %v, want %v", tt.name, ready, tt.ready)
		}
	}
}

func TestOrderer_HeldSortedByIndex(t *testing.T) {
	o := NewIndexed(0)
	offerAll(o, "f9.png", "f2.png", "f5.png")
	want := []string{"f2.png", "f5.png", "f9.png"}
	if got := o.Held(); !reflect.DeepEqual(got, want) {
		t.Errorf("Held() = %v, want %v", got, want)
	}
}

// Every arrival order of a contiguous run of indices stages in ascending
// order, and each index exactly once.
func TestOrderer_AnyPermutationStagesAscending(t *testing.T) {
	const n = 5
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("shot_%d.png", i+10)
	}

	var permute func([]string, int)
	permute = func(a []string, k int) {
		if k == len(a) {
			// Arrive twice: the second pass must be a no-op.
			arrivals := append(append([]string(nil), a...), a...)
			got := offerAll(NewIndexed(10), arrivals...)
			if !reflect.DeepEqual(got, names) {
				t.Fatalf("arrivals %v staged %v, want %v", a, got, names)
			}
			return
		}
		for i := k; i < len(a); i++ {
			a[k], a[i] = a[i], a[k]
			permute(a, k+1)
			a[k], a[i] = a[i], a[k]
		}
	}
	permute(append([]string(nil), names...), 0)
}
