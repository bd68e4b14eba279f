package merge

import (
	"reflect"
	"testing"
)

func TestDiff3_DisjointChanges(t *testing.T) {
	base := map[string]interface{}{"name": "Yoda", "hp": float64(40)}
	source := map[string]interface{}{"name": "Yoda", "hp": float64(40), "mana": float64(10)}
	target := map[string]interface{}{"name": "Yoda", "hp": float64(35)}

	merged, conflicts := Diff3(base, source, target)
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %v", conflicts)
	}
	want := map[string]interface{}{"name": "Yoda", "hp": float64(35), "mana": float64(10)}
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("merged = %v, want %v", merged, want)
	}
}

func TestDiff3_ConvergedChange(t *testing.T) {
	base := map[string]interface{}{"hp": float64(40)}
	source := map[string]interface{}{"hp": float64(30)}
	target := map[string]interface{}{"hp": float64(30)}

	merged, conflicts := Diff3(base, source, target)
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %v", conflicts)
	}
	if merged["hp"] != float64(30) {
		t.Errorf("merged hp = %v", merged["hp"])
	}
}

func TestDiff3_DivergentScalar(t *testing.T) {
	base := map[string]interface{}{"hp": float64(40)}
	source := map[string]interface{}{"hp": float64(25)}
	target := map[string]interface{}{"hp": float64(35)}

	merged, conflicts := Diff3(base, source, target)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %v", conflicts)
	}
	c := conflicts[0]
	if c.Path != "hp" || c.Base != float64(40) || c.Source != float64(25) || c.Target != float64(35) {
		t.Errorf("unexpected conflict: %+v", c)
	}
	// Target wins the conflicted field.
	if merged["hp"] != float64(35) {
		t.Errorf("merged hp = %v, want target's 35", merged["hp"])
	}
}

func TestDiff3_NestedMapPath(t *testing.T) {
	base := map[string]interface{}{"stats": map[string]interface{}{"hp": float64(40), "mp": float64(5)}}
	source := map[string]interface{}{"stats": map[string]interface{}{"hp": float64(25), "mp": float64(5)}}
	target := map[string]interface{}{"stats": map[string]interface{}{"hp": float64(35), "mp": float64(8)}}

	merged, conflicts := Diff3(base, source, target)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %v", conflicts)
	}
	if conflicts[0].Path != "stats.hp" {
		t.Errorf("conflict path = %s, want stats.hp", conflicts[0].Path)
	}

	stats := merged["stats"].(map[string]interface{})
	// Conflicted field kept target; mp was a one-sided change.
	if stats["hp"] != float64(35) || stats["mp"] != float64(8) {
		t.Errorf("merged stats = %v", stats)
	}
}

func TestDiff3_ArraysByIndex(t *testing.T) {
	base := map[string]interface{}{"gear": []interface{}{"staff", "robe"}}
	source := map[string]interface{}{"gear": []interface{}{"staff", "cloak"}}
	target := map[string]interface{}{"gear": []interface{}{"staff", "robe", "boots"}}

	merged, conflicts := Diff3(base, source, target)
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %v", conflicts)
	}
	want := []interface{}{"staff", "cloak", "boots"}
	if !reflect.DeepEqual(merged["gear"], want) {
		t.Errorf("merged gear = %v, want %v", merged["gear"], want)
	}
}

func TestDiff3_ArrayConflictPath(t *testing.T) {
	base := map[string]interface{}{"gear": []interface{}{"staff"}}
	source := map[string]interface{}{"gear": []interface{}{"sword"}}
	target := map[string]interface{}{"gear": []interface{}{"wand"}}

	merged, conflicts := Diff3(base, source, target)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %v", conflicts)
	}
	if conflicts[0].Path != "gear.0" {
		t.Errorf("conflict path = %s, want gear.0", conflicts[0].Path)
	}
	if !reflect.DeepEqual(merged["gear"], []interface{}{"wand"}) {
		t.Errorf("merged gear = %v", merged["gear"])
	}
}

func TestDiff3_OneSidedDeletion(t *testing.T) {
	base := map[string]interface{}{"name": "Yoda", "scar": "left cheek"}
	source := map[string]interface{}{"name": "Yoda"}
	target := map[string]interface{}{"name": "Yoda", "scar": "left cheek"}

	merged, conflicts := Diff3(base, source, target)
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %v", conflicts)
	}
	if _, exists := merged["scar"]; exists {
		t.Error("field deleted on one side should stay deleted")
	}
}

func TestDiff3_NullIsNotMissing(t *testing.T) {
	base := map[string]interface{}{"name": "Yoda"}
	source := map[string]interface{}{"name": "Yoda", "mentor": nil}
	target := map[string]interface{}{"name": "Yoda"}

	merged, conflicts := Diff3(base, source, target)
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %v", conflicts)
	}
	v, exists := merged["mentor"]
	if !exists || v != nil {
		t.Error("explicit null set on one side must survive the merge")
	}
}

func TestDiff3_DeleteVersusEdit(t *testing.T) {
	base := map[string]interface{}{"scar": "left cheek"}
	source := map[string]interface{}{}
	target := map[string]interface{}{"scar": "right cheek"}

	merged, conflicts := Diff3(base, source, target)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %v", conflicts)
	}
	// Target wins: the edit survives over the deletion.
	if merged["scar"] != "right cheek" {
		t.Errorf("merged scar = %v", merged["scar"])
	}
}
