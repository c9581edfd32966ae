package mentions

import (
	"context"
	"reflect"
	"testing"
)

func TestExtractDedupesAndPreservesOrder(t *testing.T) {
	got := Extract("hi @bob and @alice, @bob again")
	want := []string{"bob", "alice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Extract = %v, want %v", got, want)
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	text := "ping @carol: see @dave_1 and @carol"
	first := Extract(text)
	second := Extract(text)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Extract not idempotent: %v vs %v", first, second)
	}
	if want := []string{"carol", "dave_1"}; !reflect.DeepEqual(first, want) {
		t.Errorf("Extract = %v, want %v", first, want)
	}
}

func TestExtractCaseSensitive(t *testing.T) {
	got := Extract("@Bob and @bob")
	if want := []string{"Bob", "bob"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Extract = %v, want %v", got, want)
	}
}

func TestExtractNoMentions(t *testing.T) {
	if got := Extract("nothing here"); len(got) != 0 {
		t.Errorf("Extract = %v, want empty", got)
	}
	if got := Extract("a bare @ matches nothing"); len(got) != 0 {
		t.Errorf("Extract = %v, want empty", got)
	}
}

type fakeDirectory struct {
	known map[string]string
}

func (f *fakeDirectory) ResolveHandles(_ context.Context, handles []string) ([]string, error) {
	ids := make([]string, 0, len(handles))
	for _, handle := range handles {
		if id, ok := f.known[handle]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func TestResolveDropsUnknownHandles(t *testing.T) {
	resolver := NewResolver(&fakeDirectory{known: map[string]string{
		"bob":   "usr_bob",
		"alice": "usr_alice",
	}})

	got, err := resolver.Resolve(context.Background(), "cc @bob @ghost @alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if want := []string{"usr_bob", "usr_alice"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve = %v, want %v", got, want)
	}
}
