package mcp

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"viewguard-mcp-server/internal/mangle"
	"viewguard-mcp-server/internal/viewstate"
)

// ScreenshotTool captures the viewport framed in the classified view state's
// color, with the current journey stage as a badge.
type ScreenshotTool struct {
	harnesses *harnessPool
	engine    *mangle.Engine
	dir       string
}

func (t *ScreenshotTool) Name() string { return "screenshot" }
func (t *ScreenshotTool) Description() string {
	return `Capture the viewport, annotated with the classified view state.

TOKEN COST: HIGH (prefer classify-view and diagnostic-report first)

FRAME COLORS: 2D-static=green, 2D-dynamic=blue, 3D=orange, unknown=red.
The top-left badge is the journey stage the diagnostic monitor is tagging.

Returns: {success, file_path, size_bytes, state, annotated}`
}

func (t *ScreenshotTool) InputSchema() map[string]interface{} {
	return sessionSchema(map[string]interface{}{
		"save_path": map[string]interface{}{
			"type":        "string",
			"description": "Optional: save to this path. Default: <trace dir>/<session>/screenshots/",
		},
		"annotate": map[string]interface{}{
			"type":        "boolean",
			"description": "Draw the state frame and stage badge (default: true)",
		},
	})
}

var stateColors = map[viewstate.ViewState]color.RGBA{
	viewstate.TwoDStatic:  {0, 200, 0, 255},
	viewstate.TwoDDynamic: {0, 100, 255, 255},
	viewstate.ThreeD:      {255, 165, 0, 255},
	viewstate.Unknown:     {255, 0, 0, 255},
}

func (t *ScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	h, err := t.harnesses.get(sessionID)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	imgData, err := h.Driver.Screenshot(ctx)
	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("screenshot failed: %v", err)}, nil
	}
	state := h.Classify(ctx).State

	annotated := false
	if getBoolArg(args, "annotate", true) {
		if framed, err := annotateScreenshot(imgData, stateColors[state], h.Monitor.Stage()); err == nil {
			imgData = framed
			annotated = true
		}
	}

	savePath := getStringArg(args, "save_path")
	if savePath == "" {
		dir := t.dir
		if dir == "" {
			dir = "screenshots"
		}
		filename := fmt.Sprintf("screenshot_%s_%d.png", state, time.Now().UnixMilli())
		savePath = filepath.Join(dir, sessionID, "screenshots", filename)
	}
	if dir := filepath.Dir(savePath); dir != "" && dir != "." {
		if mkdirErr := os.MkdirAll(dir, 0755); mkdirErr != nil {
			return map[string]interface{}{"success": false, "error": fmt.Sprintf("failed to create directory: %v", mkdirErr)}, nil
		}
	}
	if writeErr := os.WriteFile(savePath, imgData, 0644); writeErr != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("failed to write screenshot: %v", writeErr)}, nil
	}

	if t.engine != nil {
		now := time.Now()
		_ = t.engine.AddFacts(ctx, []mangle.Fact{{
			Predicate: "screenshot_taken",
			Args:      []interface{}{sessionID, state.String(), savePath, now.UnixMilli()},
			Timestamp: now,
		}})
	}

	return map[string]interface{}{
		"success":    true,
		"file_path":  savePath,
		"size_bytes": len(imgData),
		"state":      state.String(),
		"annotated":  annotated,
	}, nil
}

// annotateScreenshot frames a PNG in c and stamps the stage number top-left.
func annotateScreenshot(imgData []byte, c color.RGBA, stage int) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(imgData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode PNG: %w", err)
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	drawRect(rgba, bounds.Min.X, bounds.Min.Y, bounds.Max.X, bounds.Max.Y, c, 6)
	if stage > 0 {
		drawNumberBadge(rgba, bounds.Min.X+6, bounds.Min.Y+6, stage, c)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func drawRect(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	for t := 0; t < thickness; t++ {
		for x := x1; x < x2; x++ {
			if y1+t >= 0 && y1+t < bounds.Max.Y && x >= 0 && x < bounds.Max.X {
				img.SetRGBA(x, y1+t, c)
			}
			if y2-1-t >= 0 && y2-1-t < bounds.Max.Y && x >= 0 && x < bounds.Max.X {
				img.SetRGBA(x, y2-1-t, c)
			}
		}
		for y := y1; y < y2; y++ {
			if x1+t >= 0 && x1+t < bounds.Max.X && y >= 0 && y < bounds.Max.Y {
				img.SetRGBA(x1+t, y, c)
			}
			if x2-1-t >= 0 && x2-1-t < bounds.Max.X && y >= 0 && y < bounds.Max.Y {
				img.SetRGBA(x2-1-t, y, c)
			}
		}
	}
}

func drawNumberBadge(img *image.RGBA, x, y, num int, badgeColor color.RGBA) {
	bounds := img.Bounds()
	numStr := fmt.Sprintf("%d", num)

	charWidth := 6
	charHeight := 9
	padding := 2
	badgeWidth := len(numStr)*charWidth + padding*2
	badgeHeight := charHeight + padding*2

	for by := y; by < y+badgeHeight && by < bounds.Max.Y; by++ {
		for bx := x; bx < x+badgeWidth && bx < bounds.Max.X; bx++ {
			if bx >= 0 && by >= 0 {
				img.SetRGBA(bx, by, badgeColor)
			}
		}
	}

	white := color.RGBA{255, 255, 255, 255}
	for i, ch := range numStr {
		drawDigit(img, x+padding+i*charWidth, y+padding, int(ch-'0'), white)
	}
}

// 5x7 bitmap font for digits 0-9
var digitPatterns = [10][7]uint8{
	{0x0E, 0x11, 0x13, 0x15, 0x19, 0x11, 0x0E}, // 0
	{0x04, 0x0C, 0x04, 0x04, 0x04, 0x04, 0x0E}, // 1
	{0x0E, 0x11, 0x01, 0x02, 0x04, 0x08, 0x1F}, // 2
	{0x1F, 0x02, 0x04, 0x02, 0x01, 0x11, 0x0E}, // 3
	{0x02, 0x06, 0x0A, 0x12, 0x1F, 0x02, 0x02}, // 4
	{0x1F, 0x10, 0x1E, 0x01, 0x01, 0x11, 0x0E}, // 5
	{0x06, 0x08, 0x10, 0x1E, 0x11, 0x11, 0x0E}, // 6
	{0x1F, 0x01, 0x02, 0x04, 0x08, 0x08, 0x08}, // 7
	{0x0E, 0x11, 0x11, 0x0E, 0x11, 0x11, 0x0E}, // 8
	{0x0E, 0x11, 0x11, 0x0F, 0x01, 0x02, 0x0C}, // 9
}

func drawDigit(img *image.RGBA, x, y, digit int, c color.RGBA) {
	if digit < 0 || digit > 9 {
		return
	}
	bounds := img.Bounds()
	pattern := digitPatterns[digit]

	for row := 0; row < 7; row++ {
		for col := 0; col < 5; col++ {
			if pattern[row]&(1<<(4-col)) != 0 {
				px := x + col
				py := y + row
				if px >= 0 && px < bounds.Max.X && py >= 0 && py < bounds.Max.Y {
					img.SetRGBA(px, py, c)
				}
			}
		}
	}
}
