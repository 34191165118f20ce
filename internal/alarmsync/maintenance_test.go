package alarmsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/platelog/internal/models"
	"github.com/your-org/platelog/internal/vision"
)

func seedAlarms(t *testing.T, store *memStore, urls ...string) {
	t.Helper()
	for i, url := range urls {
		_, err := store.InsertAlarm(context.Background(), alarmRecord(string(rune('A'+i)), afterCutoff, url))
		require.NoError(t, err)
	}
}

func newTestMaintainer(store *memStore, pipe PlatePipeline, crops CropStore) (*Maintainer, *[]time.Duration) {
	m := NewMaintainer(store, pipe, crops)
	var slept []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return m, &slept
}

func TestRescan_CreatesAndUpdates(t *testing.T) {
	store := newMemStore()
	seedAlarms(t, store, "https://img/1.jpg", "https://img/2.jpg", "", "https://img/4.jpg", "https://img/5.jpg")

	// Alarm 1 already has a log with an old plate.
	oldPlate := "OLD111"
	alarm1 := int64(1)
	require.NoError(t, store.CreateVehicleLog(context.Background(), &models.VehicleLog{
		AlarmID: &alarm1, ImagePath: "https://img/1.jpg", PlateText: &oldPlate, Direction: models.DirectionIn,
	}))

	pipe := newScriptedPipeline()
	pipe.results["https://img/1.jpg"] = detected(0.9, "NEW111")
	pipe.results["https://img/2.jpg"] = detected(0.7, "ABC222")
	pipe.errs["https://img/4.jpg"] = &vision.StageError{Stage: vision.StageImageDownload, Err: errors.New("404")}
	// 5 has no detection.

	m, slept := newTestMaintainer(store, pipe, nil)
	sum, err := m.Rescan(context.Background(), RescanOptions{BatchSize: 2, Delay: 10 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, RescanSummary{Processed: 4, Created: 1, Updated: 1, Skipped: 1, Failed: 1}, sum)
	assert.Len(t, *slept, 3)
	require.Len(t, store.logs, 2)
	assert.Equal(t, "NEW111", *store.logs[0].PlateText)
	assert.Equal(t, int64(1), store.logs[0].ID, "update keeps the row")
	assert.Equal(t, "ABC222", *store.logs[1].PlateText)
	assert.Equal(t, 70.0, *store.logs[1].Confidence)
}

func TestRescan_UpdateKeepsStoredFields(t *testing.T) {
	store := newMemStore()
	seedAlarms(t, store, "https://img/1.jpg")
	ctx := context.Background()

	plate, ocr, crop, vtype := "OLD111", "old 111", "cropped_plates/plate_old.jpg", "car"
	hash := int64(42)
	alarm := int64(1)
	require.NoError(t, store.CreateVehicleLog(ctx, &models.VehicleLog{
		AlarmID: &alarm, ImagePath: "https://img/1.jpg", PlateText: &plate, OCRText: &ocr,
		CroppedImagePath: &crop, VehicleType: &vtype, ImageHash: &hash, Direction: models.DirectionOut,
	}))

	// Plate found again, but nothing cropped or read this time.
	pipe := newScriptedPipeline()
	pipe.results["https://img/1.jpg"] = &vision.Result{
		Detected:   true,
		Prediction: vision.Prediction{X: 50, Y: 60, Width: 30, Height: 10, Confidence: 0.66},
	}

	m, _ := newTestMaintainer(store, pipe, nil)
	sum, err := m.Rescan(ctx, RescanOptions{})
	require.NoError(t, err)
	assert.Equal(t, RescanSummary{Processed: 1, Updated: 1}, sum)

	got := store.logs[0]
	require.NotNil(t, got.PlateText)
	assert.Equal(t, "OLD111", *got.PlateText)
	require.NotNil(t, got.OCRText)
	assert.Equal(t, "old 111", *got.OCRText)
	require.NotNil(t, got.CroppedImagePath)
	assert.Equal(t, crop, *got.CroppedImagePath)
	require.NotNil(t, got.VehicleType)
	assert.Equal(t, "car", *got.VehicleType)
	require.NotNil(t, got.ImageHash)
	assert.Equal(t, int64(42), *got.ImageHash)
	assert.Equal(t, models.DirectionOut, got.Direction)

	assert.Equal(t, 66.0, *got.Confidence)
	assert.Equal(t, models.PlateCoords{X: 50, Y: 60, Width: 30, Height: 10}, *got.PlateCoords)
}

func TestRescan_UpdateTakesDetectorDirection(t *testing.T) {
	store := newMemStore()
	seedAlarms(t, store, "https://img/1.jpg")
	ctx := context.Background()

	alarm := int64(1)
	require.NoError(t, store.CreateVehicleLog(ctx, &models.VehicleLog{
		AlarmID: &alarm, ImagePath: "https://img/1.jpg", Direction: models.DirectionIn,
	}))

	res := detected(0.9, "NEW111")
	res.Prediction.Extras.Direction = "out"
	pipe := newScriptedPipeline()
	pipe.results["https://img/1.jpg"] = res

	m, _ := newTestMaintainer(store, pipe, nil)
	_, err := m.Rescan(ctx, RescanOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.DirectionOut, store.logs[0].Direction)
	assert.Equal(t, "NEW111", *store.logs[0].PlateText)
}

func TestRescan_FromIDAndLimit(t *testing.T) {
	store := newMemStore()
	seedAlarms(t, store, "https://img/1.jpg", "https://img/2.jpg", "https://img/3.jpg", "https://img/4.jpg")
	pipe := newScriptedPipeline()

	m, _ := newTestMaintainer(store, pipe, nil)
	sum, err := m.Rescan(context.Background(), RescanOptions{FromID: 2, Limit: 2, BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, []string{"https://img/2.jpg", "https://img/3.jpg"}, pipe.calls)
}

func TestReOCR(t *testing.T) {
	store := newMemStore()
	pipe := newScriptedPipeline()
	ctx := context.Background()

	crop1 := "cropped_plates/plate_1.jpg"
	crop2 := "cropped_plates/plate_2.jpg"
	crop3 := "cropped_plates/plate_missing.jpg"
	existingText := "KEEP"
	alarm := int64(1)

	logs := []*models.VehicleLog{
		{CroppedImagePath: &crop1},                                 // readable crop
		{CroppedImagePath: &crop2, OCRText: &existingText},         // crop reads nothing
		{CroppedImagePath: &crop3, ImagePath: "https://img/3.jpg"}, // crop gone, full pipeline
		{AlarmID: &alarm},                                          // no crop, image from alarm
		{ImagePath: "https://img/5.jpg"},                           // pipeline fails
	}
	for _, vl := range logs {
		require.NoError(t, store.CreateVehicleLog(ctx, vl))
	}
	_, err := store.InsertAlarm(ctx, alarmRecord("A1", afterCutoff, "https://img/alarm1.jpg"))
	require.NoError(t, err)

	pipe.crops[crop1] = []byte("crop-one")
	pipe.crops[crop2] = []byte("crop-two")
	pipe.ocr["crop-one"] = "wxy 1234"
	pipe.results["https://img/3.jpg"] = detected(0.8, "JKL333")
	pipe.results["https://img/alarm1.jpg"] = detected(0.8, "MNO444")
	pipe.errs["https://img/5.jpg"] = &vision.StageError{Stage: vision.StageDetection, Err: errors.New("503")}

	m, _ := newTestMaintainer(store, pipe, nil)
	sum, err := m.ReOCR(ctx, ReOCROptions{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, ReOCRSummary{Processed: 5, Updated: 3, Skipped: 1, Failed: 1}, sum)

	assert.Equal(t, "WXY1234", *store.logs[0].PlateText)
	assert.Equal(t, "wxy 1234", *store.logs[0].OCRText)
	assert.Equal(t, crop1, *store.logs[0].CroppedImagePath)

	assert.Equal(t, "KEEP", *store.logs[1].OCRText, "empty read leaves the log untouched")

	assert.Equal(t, "JKL333", *store.logs[2].PlateText)
	assert.Equal(t, "cropped_plates/plate_JKL333.jpg", *store.logs[2].CroppedImagePath)

	assert.Equal(t, "MNO444", *store.logs[3].PlateText)
	assert.Nil(t, store.logs[4].PlateText)
}

func TestReOCR_UnreadableTextKeepsPlate(t *testing.T) {
	store := newMemStore()
	pipe := newScriptedPipeline()
	ctx := context.Background()

	crop := "cropped_plates/plate_1.jpg"
	plate := "ABC1234"
	require.NoError(t, store.CreateVehicleLog(ctx, &models.VehicleLog{CroppedImagePath: &crop, PlateText: &plate}))
	pipe.crops[crop] = []byte("smudged")
	pipe.ocr["smudged"] = "--"

	m, _ := newTestMaintainer(store, pipe, nil)
	sum, err := m.ReOCR(ctx, ReOCROptions{})
	require.NoError(t, err)
	assert.Equal(t, ReOCRSummary{Processed: 1, Updated: 1}, sum)

	got := store.logs[0]
	require.NotNil(t, got.PlateText)
	assert.Equal(t, "ABC1234", *got.PlateText)
	assert.Equal(t, "--", *got.OCRText)
	assert.Equal(t, crop, *got.CroppedImagePath)
}

func TestReOCR_CroppedOnly(t *testing.T) {
	store := newMemStore()
	pipe := newScriptedPipeline()
	ctx := context.Background()

	crop := "cropped_plates/plate_1.jpg"
	require.NoError(t, store.CreateVehicleLog(ctx, &models.VehicleLog{CroppedImagePath: &crop}))
	require.NoError(t, store.CreateVehicleLog(ctx, &models.VehicleLog{ImagePath: "https://img/2.jpg"}))
	pipe.crops[crop] = []byte("c")
	pipe.ocr["c"] = "ABC1234"

	m, _ := newTestMaintainer(store, pipe, nil)
	sum, err := m.ReOCR(ctx, ReOCROptions{CroppedOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, sum.Updated)
	assert.Empty(t, pipe.calls)
}

type memCrops struct {
	keys      []string
	deleted   []string
	deleteErr map[string]error
}

func (c *memCrops) ListObjects(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for _, k := range c.keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (c *memCrops) DeleteObject(_ context.Context, key string) error {
	if err := c.deleteErr[key]; err != nil {
		return err
	}
	c.deleted = append(c.deleted, key)
	return nil
}

func TestPruneCrops(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	kept := "cropped_plates/plate_kept.jpg"
	require.NoError(t, store.CreateVehicleLog(ctx, &models.VehicleLog{CroppedImagePath: &kept}))

	newCrops := func() *memCrops {
		return &memCrops{
			keys: []string{
				kept,
				"cropped_plates/plate_orphan1.jpg",
				"cropped_plates/plate_orphan2.jpg",
				"other/unrelated.jpg",
			},
			deleteErr: map[string]error{"cropped_plates/plate_orphan2.jpg": errors.New("denied")},
		}
	}

	t.Run("dry run", func(t *testing.T) {
		crops := newCrops()
		m, _ := newTestMaintainer(store, newScriptedPipeline(), crops)
		sum, err := m.PruneCrops(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, PruneSummary{Scanned: 3, Orphaned: 2}, sum)
		assert.Empty(t, crops.deleted)
	})

	t.Run("delete", func(t *testing.T) {
		crops := newCrops()
		m, _ := newTestMaintainer(store, newScriptedPipeline(), crops)
		sum, err := m.PruneCrops(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, PruneSummary{Scanned: 3, Orphaned: 2, Deleted: 1, Failed: 1}, sum)
		assert.Equal(t, []string{"cropped_plates/plate_orphan1.jpg"}, crops.deleted)
	})

	t.Run("no crop store", func(t *testing.T) {
		m, _ := newTestMaintainer(store, newScriptedPipeline(), nil)
		_, err := m.PruneCrops(ctx, false)
		assert.Error(t, err)
	})
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
