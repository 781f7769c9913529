package embedding

import (
	"context"
	"math"
	"testing"
)

func TestMockDeterminism(t *testing.T) {
	m := NewMockProvider(8)
	ctx := context.Background()

	a1, err := m.Embed(ctx, "same text")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := m.Embed(ctx, "same text")
	if err != nil {
		t.Fatal(err)
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatal("same text must embed identically")
		}
	}

	b, err := m.Embed(ctx, "different text")
	if err != nil {
		t.Fatal(err)
	}
	same := true
	for i := range a1 {
		if a1[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different texts should embed differently")
	}
}

func TestMockUnitNorm(t *testing.T) {
	m := NewMockProvider(16)
	vec, err := m.Embed(context.Background(), "anything at all")
	if err != nil {
		t.Fatal(err)
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-5 {
		t.Errorf("norm = %g, want 1.0", math.Sqrt(norm))
	}
}

func TestMockPresetOverrides(t *testing.T) {
	m := NewMockProvider(2)
	m.SetPreset("pinned", []float32{1, 0})

	vec, err := m.Embed(context.Background(), "pinned")
	if err != nil {
		t.Fatal(err)
	}
	if vec[0] != 1 || vec[1] != 0 {
		t.Errorf("preset not honored: %v", vec)
	}
}

func TestMockAvailabilityToggle(t *testing.T) {
	m := NewMockProvider(4)
	ctx := context.Background()

	m.SetAvailable(false)
	if m.IsAvailable(ctx) {
		t.Error("should report unavailable")
	}
	if _, err := m.Embed(ctx, "text"); err == nil {
		t.Error("unavailable mock should fail derived embeds")
	}

	// Presets still work while unavailable, so fixtures stay usable.
	m.SetPreset("fixture", []float32{0, 1, 0, 0})
	if _, err := m.Embed(ctx, "fixture"); err != nil {
		t.Errorf("preset should bypass availability: %v", err)
	}

	m.SetAvailable(true)
	if _, err := m.Embed(ctx, "text"); err != nil {
		t.Errorf("available mock should embed: %v", err)
	}
}

func TestMockCallCounter(t *testing.T) {
	m := NewMockProvider(4)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := m.Embed(ctx, "text"); err != nil {
			t.Fatal(err)
		}
	}
	if m.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", m.Calls())
	}
}
