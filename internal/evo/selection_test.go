package evo

import (
	"errors"
	"math/rand"
	"testing"
)

func TestRankOrdersByFitnessWithStableTies(t *testing.T) {
	ranked := Rank([]float64{1, 5, 3, 5})
	want := []int{1, 3, 2, 0}
	for i, idx := range want {
		if ranked[i].Index != idx {
			t.Fatalf("rank %d: got index %d want %d (%+v)", i, ranked[i].Index, idx, ranked)
		}
	}
}

func TestEliteSelectorPicksFromTopSet(t *testing.T) {
	ranked := Rank([]float64{0.1, 0.9, 0.5, 0.7})
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		parent, err := EliteSelector{}.PickParent(rng, ranked, 2)
		if err != nil {
			t.Fatalf("pick parent: %v", err)
		}
		if parent != 1 && parent != 3 {
			t.Fatalf("parent %d outside elite set", parent)
		}
	}
	if _, err := (EliteSelector{}).PickParent(rng, ranked, 5); err == nil {
		t.Fatal("expected invalid elite count error")
	}
	if _, err := (EliteSelector{}).PickParent(nil, ranked, 1); err == nil {
		t.Fatal("expected random source error")
	}
}

func TestTournamentSelectorFavorsFitterIndividuals(t *testing.T) {
	ranked := Rank([]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8})
	selector := TournamentSelector{PoolSize: len(ranked), TournamentSize: 3}
	rng := rand.New(rand.NewSource(42))

	counts := make([]int, len(ranked))
	for i := 0; i < 2000; i++ {
		parent, err := selector.PickParent(rng, ranked, 1)
		if err != nil {
			t.Fatalf("pick parent: %v", err)
		}
		counts[parent]++
	}
	if counts[7] <= counts[0] {
		t.Fatalf("expected best individual to win more tournaments: %v", counts)
	}
}

func TestNewSelector(t *testing.T) {
	s, err := NewSelector("Elite", 4, 0)
	if err != nil || s.Name() != "elite" {
		t.Fatalf("unexpected selector %v err=%v", s, err)
	}
	s, err = NewSelector("", 4, 2)
	if err != nil || s.Name() != "tournament" {
		t.Fatalf("unexpected default selector %v err=%v", s, err)
	}
	if _, err := NewSelector("roulette", 4, 2); !errors.Is(err, ErrUnknownSelector) {
		t.Fatalf("expected unknown selector, got %v", err)
	}
}
