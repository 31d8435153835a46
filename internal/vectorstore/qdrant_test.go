package vectorstore

import (
	"testing"

	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tenant"
)

func TestTenantConditionsMatchFullTriple(t *testing.T) {
	filter := tenant.Filter{ProjectName: "web", BranchName: "main", PathHash: "abc123"}

	conds := tenantConditions(filter)
	if len(conds) != 3 {
		t.Fatalf("got %d conditions, want 3", len(conds))
	}

	got := make(map[string]string, len(conds))
	for _, cond := range conds {
		field := cond.GetField()
		if field == nil {
			t.Fatalf("condition %v is not a field match", cond)
		}
		got[field.GetKey()] = field.GetMatch().GetKeyword()
	}

	want := map[string]string{
		tenant.MetaProjectName: "web",
		tenant.MetaBranchName:  "main",
		tenant.MetaPathHash:    "abc123",
	}
	for key, value := range want {
		if got[key] != value {
			t.Errorf("condition for %s = %q, want %q", key, got[key], value)
		}
	}
}

func TestPromotionLevelsAtOrAbove(t *testing.T) {
	tests := []struct {
		floor repository.PromotionLevel
		want  []string
	}{
		{repository.PromotionStandard, []string{"standard", "important", "critical"}},
		{repository.PromotionImportant, []string{"important", "critical"}},
		{repository.PromotionCritical, []string{"critical"}},
	}
	for _, tt := range tests {
		got := promotionLevelsAtOrAbove(tt.floor)
		if len(got) != len(tt.want) {
			t.Errorf("floor %s: got %v, want %v", tt.floor, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("floor %s: got %v, want %v", tt.floor, got, tt.want)
				break
			}
		}
	}
}
