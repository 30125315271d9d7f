package kv_test

import (
	"context"
	"errors"
	"testing"

	"github.com/haivivi/soundclass/pkg/kv"
)

func backends(t *testing.T) map[string]func(opts *kv.Options) kv.Store {
	t.Helper()
	return map[string]func(opts *kv.Options) kv.Store{
		"memory": func(opts *kv.Options) kv.Store {
			s := kv.NewMemory(opts)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"badger": func(opts *kv.Options) kv.Store {
			s, err := kv.NewBadger(kv.BadgerOptions{Options: opts, InMemory: true})
			if err != nil {
				t.Fatalf("NewBadger: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func collect(t *testing.T, s kv.Store, prefix kv.Key) []string {
	t.Helper()
	var keys []string
	for e, err := range s.List(context.Background(), prefix) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		keys = append(keys, e.Key.String())
	}
	return keys
}

func TestGetSetDelete(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(nil)
			key := kv.Key{"mfcc", "abc", "fold1", "a.wav"}

			if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
				t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
			}
			if err := s.Set(ctx, key, []byte("v1")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := s.Set(ctx, key, []byte("v2")); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			got, err := s.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "v2" {
				t.Fatalf("Get = %q, want v2", got)
			}
			if err := s.Delete(ctx, key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, key); err != nil {
				t.Fatalf("Delete missing: %v", err)
			}
			if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
				t.Fatalf("Get after delete: err = %v", err)
			}
		})
	}
}

func TestListPrefixBoundary(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(nil)
			for _, k := range []kv.Key{
				{"mfcc", "abc", "fold1", "b.wav"},
				{"mfcc", "abc", "fold1", "a.wav"},
				{"mfcc", "abc", "fold10", "c.wav"},
				{"mfcc", "xyz", "fold1", "a.wav"},
			} {
				if err := s.Set(ctx, k, []byte("x")); err != nil {
					t.Fatal(err)
				}
			}
			got := collect(t, s, kv.Key{"mfcc", "abc", "fold1"})
			want := []string{"mfcc:abc:fold1:a.wav", "mfcc:abc:fold1:b.wav"}
			if len(got) != len(want) {
				t.Fatalf("List = %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("List[%d] = %s, want %s", i, got[i], want[i])
				}
			}
			if n := len(collect(t, s, nil)); n != 4 {
				t.Fatalf("List(all) = %d entries, want 4", n)
			}
		})
	}
}

func TestDeletePrefix(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(nil)
			s.Set(ctx, kv.Key{"mfcc", "old", "1"}, []byte("a"))
			s.Set(ctx, kv.Key{"mfcc", "old", "2"}, []byte("b"))
			s.Set(ctx, kv.Key{"mfcc", "new", "1"}, []byte("c"))

			if err := s.DeletePrefix(ctx, kv.Key{"mfcc", "old"}); err != nil {
				t.Fatalf("DeletePrefix: %v", err)
			}
			got := collect(t, s, kv.Key{"mfcc"})
			if len(got) != 1 || got[0] != "mfcc:new:1" {
				t.Fatalf("remaining = %v", got)
			}
		})
	}
}

func TestCustomSeparator(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(&kv.Options{Separator: '/'})
			key := kv.Key{"a:b", "c"}
			if err := s.Set(ctx, key, []byte("v")); err != nil {
				t.Fatal(err)
			}
			for e, err := range s.List(ctx, kv.Key{"a:b"}) {
				if err != nil {
					t.Fatal(err)
				}
				if len(e.Key) != 2 || e.Key[0] != "a:b" {
					t.Fatalf("decoded key = %#v", e.Key)
				}
			}
		})
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory(nil)
	buf := []byte("abc")
	s.Set(ctx, kv.Key{"k"}, buf)
	buf[0] = 'z'
	got, _ := s.Get(ctx, kv.Key{"k"})
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", got)
	}
}

func TestBadgerRequiresDir(t *testing.T) {
	if _, err := kv.NewBadger(kv.BadgerOptions{}); err == nil {
		t.Fatal("expected error without Dir")
	}
}
