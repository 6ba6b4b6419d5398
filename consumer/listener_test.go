package consumer

import "testing"

func TestClaimsToTPs(t *testing.T) {
	claims := map[string][]int32{
		"orders":   {0, 1},
		"shipments": {2},
	}
	got := claimsToTPs(claims)
	if len(got) != 3 {
		t.Fatalf("want 3 topic-partitions, got %d: %+v", len(got), got)
	}
	seen := make(map[TopicPartition]bool)
	for _, tp := range got {
		seen[tp] = true
	}
	want := []TopicPartition{
		{Topic: "orders", Partition: 0},
		{Topic: "orders", Partition: 1},
		{Topic: "shipments", Partition: 2},
	}
	for _, tp := range want {
		if !seen[tp] {
			t.Fatalf("missing %s in %+v", tp, got)
		}
	}
}
