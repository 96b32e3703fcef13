package service

import (
	"testing"

	"reasonengine/internal/model"
)

func chunk(id string, distance float64) model.Chunk {
	return model.Chunk{ID: id, Distance: distance}
}

func TestSelectFair_EmptyInputs(t *testing.T) {
	if got := SelectFair[model.Chunk](nil, 10); got != nil {
		t.Errorf("N=0: got %v, want nil", got)
	}
	if got := SelectFair([][]model.Chunk{{chunk("a", 0.1)}}, 0); got != nil {
		t.Errorf("cap=0: got %v, want nil", got)
	}
}

func TestSelectFair_DoesNotStarveLowVolumeQuery(t *testing.T) {
	dominant := make([]model.Chunk, 0, 20)
	for i := 0; i < 20; i++ {
		dominant = append(dominant, chunk(string(rune('A'+i)), float64(i)*0.01))
	}
	rare := []model.Chunk{chunk("rare1", 0.5), chunk("rare2", 0.6)}

	result := SelectFair([][]model.Chunk{dominant, rare}, 10)

	if len(result) != 10 {
		t.Fatalf("len(result) = %d, want 10", len(result))
	}

	found := map[string]bool{}
	for _, c := range result {
		found[c.ID] = true
	}
	if !found["rare1"] {
		t.Error("rare1 was starved by the dominant query's results")
	}
}

func TestSelectFair_DuplicateKeepsMinDistance(t *testing.T) {
	listA := []model.Chunk{chunk("x", 0.9)}
	listB := []model.Chunk{chunk("x", 0.2)}

	result := SelectFair([][]model.Chunk{listA, listB}, 5)

	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}
	if result[0].Distance != 0.2 {
		t.Errorf("Distance = %v, want 0.2 (minimum across duplicates)", result[0].Distance)
	}
}

func TestSelectFair_ExactCapWhenUnionLargeEnough(t *testing.T) {
	var lists [][]model.Chunk
	for q := 0; q < 3; q++ {
		var list []model.Chunk
		for i := 0; i < 5; i++ {
			list = append(list, chunk(string(rune('a'+q))+string(rune('0'+i)), float64(i)))
		}
		lists = append(lists, list)
	}

	result := SelectFair(lists, 9)
	if len(result) != 9 {
		t.Fatalf("len(result) = %d, want 9", len(result))
	}

	perQueryQuota := 9 / 3
	for q := 0; q < 3; q++ {
		count := 0
		for _, c := range result {
			if c.ID[0] == byte('a'+q) {
				count++
			}
		}
		if count < perQueryQuota {
			t.Errorf("query %d contributed %d ids, want >= %d", q, count, perQueryQuota)
		}
	}
}

func TestSelectFair_GloballySortedByDistance(t *testing.T) {
	listA := []model.Chunk{chunk("a", 0.3)}
	listB := []model.Chunk{chunk("b", 0.1)}

	result := SelectFair([][]model.Chunk{listA, listB}, 5)
	for i := 1; i < len(result); i++ {
		if result[i-1].Distance > result[i].Distance {
			t.Errorf("result not sorted by ascending distance: %v", result)
		}
	}
}
