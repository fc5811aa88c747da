package state

import (
	"fmt"
	"testing"
)

func TestFeatureFlagsTableCRUD(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewFeatureFlagsTable(db)

	flag, err := table.Upsert(FeatureFlag{
		Name:              "New checkout",
		Key:               "new-checkout",
		Active:            true,
		RolloutPercentage: 50,
	})
	assertNoError(t, err)
	if flag.ID == 0 || !flag.Active {
		t.Fatalf("wrong created flag: %+v", flag)
	}

	// upsert by key updates in place
	flag2, err := table.Upsert(FeatureFlag{
		Name:              "New checkout",
		Key:               "new-checkout",
		Active:            false,
		RolloutPercentage: 100,
	})
	assertNoError(t, err)
	if flag2.ID != flag.ID || flag2.Active || flag2.RolloutPercentage != 100 {
		t.Fatalf("upsert did not update: %+v", flag2)
	}

	got, err := table.SelectByKey("new-checkout")
	assertNoError(t, err)
	if got == nil || got.ID != flag.ID {
		t.Fatalf("SelectByKey returned wrong flag: %+v", got)
	}
	got, err = table.SelectByKey("no-such-flag")
	assertNoError(t, err)
	if got != nil {
		t.Fatalf("expected nil for a missing flag, got %+v", got)
	}

	_, err = table.Upsert(FeatureFlag{Name: "Dark mode", Key: "dark-mode", Active: true, RolloutPercentage: 100})
	assertNoError(t, err)
	active, err := table.SelectActive()
	assertNoError(t, err)
	for _, f := range active {
		if f.Key == "new-checkout" {
			t.Fatalf("inactive flag returned by SelectActive")
		}
	}

	assertNoError(t, table.Delete("dark-mode"))
	got, err = table.SelectByKey("dark-mode")
	assertNoError(t, err)
	if got != nil {
		t.Fatalf("flag not deleted: %+v", got)
	}
}

func TestFeatureFlagEnabledForUser(t *testing.T) {
	full := FeatureFlag{Key: "full", Active: true, RolloutPercentage: 100}
	if !full.EnabledForUser("anyone") {
		t.Fatalf("100%% rollout must enable every user")
	}
	off := FeatureFlag{Key: "off", Active: false, RolloutPercentage: 100}
	if off.EnabledForUser("anyone") {
		t.Fatalf("inactive flag must never be enabled")
	}
	none := FeatureFlag{Key: "none", Active: true, RolloutPercentage: 0}
	if none.EnabledForUser("anyone") {
		t.Fatalf("0%% rollout must enable no one")
	}

	// bucketing is stable per user and splits users roughly in half at 50%
	half := FeatureFlag{Key: "half", Active: true, RolloutPercentage: 50}
	enabled := 0
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("user-%d", i)
		first := half.EnabledForUser(id)
		if first != half.EnabledForUser(id) {
			t.Fatalf("rollout bucket flapped for %q", id)
		}
		if first {
			enabled++
		}
	}
	if enabled < 300 || enabled > 700 {
		t.Fatalf("suspicious 50%% rollout split: %d/1000", enabled)
	}
}
