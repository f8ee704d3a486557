package software

import (
	"image/color"
	"testing"
)

func TestClipPolygon(t *testing.T) {
	tests := []struct {
		name string
		pts  []point
		want int // vertex count after clipping
	}{
		{"inside", []point{{1, 1}, {3, 1}, {3, 3}, {1, 3}}, 4},
		{"outside", []point{{20, 20}, {30, 20}, {30, 30}}, 0},
		{"corner", []point{{-2, -2}, {2, -2}, {2, 2}, {-2, 2}}, 4},
		{"spanning", []point{{-5, 5}, {15, 5}, {15, 6}, {-5, 6}}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clipPolygon(tt.pts, 0, 0, 10, 10)
			if len(got) != tt.want {
				t.Fatalf("clipPolygon = %v (%d points), want %d", got, len(got), tt.want)
			}
			for _, p := range got {
				if p.x < 0 || p.x > 10 || p.y < 0 || p.y > 10 {
					t.Errorf("point %v outside the clip rectangle", p)
				}
			}
		})
	}
}

func TestFillPolygonCoverage(t *testing.T) {
	tg := newTarget(10, 10, 1)
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}

	tg.fillPolygon([]point{{2, 2}, {6, 2}, {6, 6}, {2, 6}}, white)
	if c := tg.samples.RGBAAt(4, 4); c.R != 255 {
		t.Errorf("inside pixel = %v, want white", c)
	}
	if c := tg.samples.RGBAAt(8, 8); c.A != 0 {
		t.Errorf("outside pixel = %v, want untouched", c)
	}

	// Partly off-screen polygons are clipped, not dropped.
	tg.fillPolygon([]point{{-4, 8}, {4, 8}, {4, 14}, {-4, 14}}, white)
	if c := tg.samples.RGBAAt(1, 9); c.R != 255 {
		t.Errorf("clipped pixel = %v, want white", c)
	}
}

func TestResolveAveragesSamples(t *testing.T) {
	tg := newTarget(4, 4, 2)
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	// Full coverage of resolved pixel (0, 0) is samples [0,2) x [0,2).
	tg.fillPolygon([]point{{0, 0}, {2, 0}, {2, 2}, {0, 2}}, white)
	tg.resolve()
	if c := tg.resolved.RGBAAt(0, 0); c.R < 200 {
		t.Errorf("resolved covered pixel = %v, want near white", c)
	}
	if c := tg.resolved.RGBAAt(3, 3); c.R != 0 {
		t.Errorf("resolved empty pixel = %v, want black", c)
	}
}
