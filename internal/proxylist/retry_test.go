package proxylist

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRetryMapMerge(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	const key = "http://a:80"

	t.Run("merging T1 then T2 yields T2", func(t *testing.T) {
		m := RetryMap{}
		added := m.Merge(RetryMap{key: {BadUntil: t1}})
		if diff := cmp.Diff([]string{key}, added); diff != "" {
			t.Fatal(diff)
		}
		added = m.Merge(RetryMap{key: {BadUntil: t2}})
		if len(added) != 0 {
			t.Fatal("expected no additions")
		}
		if !m[key].BadUntil.Equal(t2) {
			t.Fatal("unexpected bad until", m[key].BadUntil)
		}
	})

	t.Run("merging T2 then T1 yields T2", func(t *testing.T) {
		m := RetryMap{}
		m.Merge(RetryMap{key: {BadUntil: t2}})
		m.Merge(RetryMap{key: {BadUntil: t1}})
		if !m[key].BadUntil.Equal(t2) {
			t.Fatal("unexpected bad until", m[key].BadUntil)
		}
	})

	t.Run("added keys are sorted", func(t *testing.T) {
		m := RetryMap{"http://b:80": {BadUntil: t1}}
		added := m.Merge(RetryMap{
			"http://c:80": {BadUntil: t1},
			"http://a:80": {BadUntil: t1},
			"http://b:80": {BadUntil: t2},
		})
		if diff := cmp.Diff([]string{"http://a:80", "http://c:80"}, added); diff != "" {
			t.Fatal(diff)
		}
		if diff := cmp.Diff([]string{"http://a:80", "http://b:80", "http://c:80"}, m.Keys()); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestRetryMapClone(t *testing.T) {
	m := RetryMap{"http://a:80": {}}
	other := m.Clone()
	other["http://b:80"] = RetryInfo{}
	if len(m) != 1 {
		t.Fatal("clone shares storage with the original")
	}
}
