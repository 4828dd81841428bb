package migration

import (
	"fmt"
	"math"
	"testing"

	"github.com/branchops/impact/internal/api"
)

func TestIsPositive(t *testing.T) {
	tests := []struct {
		from, to api.Segment
		want     bool
	}{
		{api.SegmentGeneral, api.SegmentVIP, true},
		{api.SegmentAtRisk, api.SegmentLoyal, true},
		{api.SegmentVIP, api.SegmentLoyal, true},
		{api.SegmentGeneral, api.SegmentAtRisk, false},
		{api.SegmentVIP, api.SegmentDormant, false},
		{api.SegmentAtRisk, api.SegmentDormant, false},
		{api.SegmentDormant, api.SegmentAtRisk, false},
		{api.SegmentDormant, api.SegmentGeneral, true},
		{api.SegmentAtRisk, api.SegmentReturned, true},
		{api.SegmentVIP, api.SegmentGeneral, false},
		{api.SegmentNew, api.SegmentGeneral, false},
		{api.SegmentGeneral, api.SegmentNew, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := IsPositive(tt.from, tt.to); got != tt.want {
				t.Errorf("IsPositive(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTrackSegments_SumInvariant(t *testing.T) {
	var population []string
	before := map[string]api.Segment{}
	after := map[string]api.Segment{}

	add := func(n int, from, to api.Segment) {
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("%s-%s-%d", from, to, i)
			population = append(population, id)
			if from != "" {
				before[id] = from
			}
			if to != "" {
				after[id] = to
			}
		}
	}
	add(5, api.SegmentGeneral, api.SegmentVIP)
	add(2, api.SegmentGeneral, api.SegmentAtRisk)
	add(4, api.SegmentLoyal, api.SegmentLoyal)
	add(3, api.SegmentDormant, api.SegmentGeneral)
	add(1, "", api.SegmentNew)
	population = append(population, population[0]) // duplicate

	rep := TrackSegments(population, before, after)

	moved := 0
	for _, m := range rep.Migrations {
		moved += m.Count
	}
	if got := moved + rep.Unchanged + rep.Unclassified; got != 15 {
		t.Errorf("sum = %d, want 15 (population)", got)
	}
	if rep.Unchanged != 4 || rep.Unclassified != 1 {
		t.Errorf("Unchanged=%d Unclassified=%d, want 4 and 1", rep.Unchanged, rep.Unclassified)
	}

	want := []api.SegmentMigration{
		{From: api.SegmentGeneral, To: api.SegmentVIP, Count: 5, IsPositive: true},
		{From: api.SegmentGeneral, To: api.SegmentAtRisk, Count: 2, IsPositive: false},
		{From: api.SegmentDormant, To: api.SegmentGeneral, Count: 3, IsPositive: true},
	}
	if len(rep.Migrations) != len(want) {
		t.Fatalf("migrations = %+v, want %+v", rep.Migrations, want)
	}
	for i := range want {
		if rep.Migrations[i] != want[i] {
			t.Errorf("migration[%d] = %+v, want %+v", i, rep.Migrations[i], want[i])
		}
	}
}

func TestTrackTickets(t *testing.T) {
	before := map[string][]api.TicketType{
		"a": {api.TicketDay},
		"b": {api.TicketDay, api.TicketDay},
		"c": {api.TicketDay},
		"d": {api.TicketDay},
		"e": {api.TicketTime, api.TicketDay},
		"f": {api.TicketTerm},
	}
	after := map[string][]api.TicketType{
		"a": {api.TicketTerm},
		"b": {api.TicketTime, api.TicketDay},
		"c": {api.TicketDay},
		"e": {api.TicketFixed},
		"f": {api.TicketTime},  // downgrade
		"g": {api.TicketFixed}, // no purchase before
	}

	got := TrackTickets(before, after)
	want := []api.TicketUpgrade{
		{FromTicket: api.TicketDay, ToTicket: api.TicketTime, Count: 1, FromTicketHolders: 4, UpgradeRate: 0.25},
		{FromTicket: api.TicketDay, ToTicket: api.TicketTerm, Count: 1, FromTicketHolders: 4, UpgradeRate: 0.25},
		{FromTicket: api.TicketTime, ToTicket: api.TicketFixed, Count: 1, FromTicketHolders: 1, UpgradeRate: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("upgrades = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("upgrade[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if TotalUpgrades(got) != 3 {
		t.Errorf("TotalUpgrades = %d, want 3", TotalUpgrades(got))
	}
}

func TestMergeMigrations(t *testing.T) {
	a := []api.SegmentMigration{{From: api.SegmentGeneral, To: api.SegmentVIP, Count: 2, IsPositive: true}}
	b := []api.SegmentMigration{
		{From: api.SegmentGeneral, To: api.SegmentVIP, Count: 3, IsPositive: true},
		{From: api.SegmentVIP, To: api.SegmentDormant, Count: 1},
	}
	got := MergeMigrations(a, b)
	if len(got) != 2 || got[0].Count != 1 || got[0].From != api.SegmentVIP || got[1].Count != 5 {
		t.Errorf("MergeMigrations = %+v", got)
	}
}

func TestMergeUpgrades(t *testing.T) {
	a := []api.TicketUpgrade{
		{FromTicket: api.TicketDay, ToTicket: api.TicketTime, Count: 1, FromTicketHolders: 4},
		{FromTicket: api.TicketDay, ToTicket: api.TicketTerm, Count: 1, FromTicketHolders: 4},
	}
	b := []api.TicketUpgrade{
		{FromTicket: api.TicketDay, ToTicket: api.TicketTime, Count: 2, FromTicketHolders: 6},
	}
	got := MergeUpgrades(a, b)
	if len(got) != 2 {
		t.Fatalf("MergeUpgrades = %+v", got)
	}
	if got[0].ToTicket != api.TicketTime || got[0].Count != 3 || got[0].FromTicketHolders != 10 {
		t.Errorf("merged DAY->TIME = %+v", got[0])
	}
	if math.Abs(got[0].UpgradeRate-0.3) > 1e-9 {
		t.Errorf("UpgradeRate = %v, want 0.3", got[0].UpgradeRate)
	}
}
