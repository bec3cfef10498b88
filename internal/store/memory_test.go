package store

import (
	"context"
	"testing"
)

func TestMemoryStoreSetGetDel(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	if err := st.Set(ctx, "key", []byte("value")); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, found, err := st.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(value) != "value" {
		t.Fatalf("expected value, got found=%v value=%q", found, value)
	}

	ok, err := st.Del(ctx, "key")
	if err != nil {
		t.Fatalf("del: %v", err)
	}
	if !ok {
		t.Fatalf("expected del to report success")
	}
	_, found, err = st.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get after del: %v", err)
	}
	if found {
		t.Fatalf("expected key removed")
	}
}

func TestMemoryStoreMissingKeyIsNotAnError(t *testing.T) {
	st := NewMemory()
	value, found, err := st.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found || value != nil {
		t.Fatalf("expected absence, got found=%v value=%q", found, value)
	}
}

func TestMemoryStoreDelAbsentKeySucceeds(t *testing.T) {
	st := NewMemory()
	ok, err := st.Del(context.Background(), "absent")
	if err != nil {
		t.Fatalf("del: %v", err)
	}
	if !ok {
		t.Fatalf("deleting an absent key must still report success")
	}
}

func TestMemoryStoreIsolatesStoredBytes(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	original := []byte("immutable")
	if err := st.Set(ctx, "key", original); err != nil {
		t.Fatalf("set: %v", err)
	}
	original[0] = 'X'

	value, _, err := st.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "immutable" {
		t.Fatalf("stored value mutated through caller slice: %q", value)
	}

	value[0] = 'Y'
	again, _, err := st.Get(ctx, "key")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if string(again) != "immutable" {
		t.Fatalf("stored value mutated through returned slice: %q", again)
	}
}
