package state

import (
	"sync"
	"testing"
	"time"
)

func TestDevicesTableGetOrCreate(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewDevicesTable(db)

	yes := true
	dev, err := table.GetOrCreate(Device{
		DeviceID:    "device-A",
		AppVersion:  "1.2.3",
		OSName:      "iOS",
		OSVersion:   "17.0",
		IsSimulator: &yes,
	})
	assertNoError(t, err)
	if dev.AppVersion != "1.2.3" || dev.OSName != "iOS" {
		t.Fatalf("created device has wrong metadata: %+v", dev)
	}
	if dev.IsSimulator == nil || !*dev.IsSimulator {
		t.Fatalf("created device lost is_simulator: %+v", dev)
	}

	// a second sighting with different metadata must not overwrite the first,
	// but must refresh last_seen
	dev2, err := table.GetOrCreate(Device{
		DeviceID:   "device-A",
		AppVersion: "9.9.9",
		OSName:     "android",
		LastSeen:   dev.LastSeen.Add(time.Hour),
	})
	assertNoError(t, err)
	if dev2.AppVersion != "1.2.3" || dev2.OSName != "iOS" {
		t.Fatalf("existing device metadata was overwritten: %+v", dev2)
	}
	if !dev2.LastSeen.After(dev.LastSeen) {
		t.Fatalf("last_seen was not refreshed: was %v now %v", dev.LastSeen, dev2.LastSeen)
	}

	got, err := table.Select("device-A")
	assertNoError(t, err)
	if got.DeviceID != "device-A" {
		t.Fatalf("Select returned wrong device: %+v", got)
	}
}

func TestDevicesTableConcurrentGetOrCreate(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewDevicesTable(db)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := table.GetOrCreate(Device{
				DeviceID:  "device-concurrent",
				OSName:    "iOS",
				OSVersion: "17.0",
			})
			errs <- err
		}()
	}
	wg.Wait()
	for i := 0; i < 10; i++ {
		assertNoError(t, <-errs)
	}
	var count int
	err := db.Get(&count, `SELECT COUNT(*) FROM tracker_devices WHERE device_id = $1`, "device-concurrent")
	assertNoError(t, err)
	if count != 1 {
		t.Fatalf("expected exactly 1 device row, got %d", count)
	}
}
