package notify

import (
	"context"
	"fmt"

	"gridref.org/internal/audit"
)

// equipmentPatterns are the cache namespaces invalidated when equipment
// changes; reference lists are left to expire on their own short TTL. The
// dashboard counters depend on both stores, so they go with them.
var equipmentPatterns = []string{"equipment:*", "equipment_list:*", "equipment_page:*", "dashboard_stats:*"}

// EquipmentCreated notifies the actor that the staged equipment record was
// created and invalidates cached equipment lists.
func (s *Service) EquipmentCreated(ctx context.Context, userID, equipmentCode string) Notification {
	s.invalidateEquipment(ctx)
	_ = audit.LogEvent(ctx, audit.EventEquipmentCreated, map[string]any{"equipment": equipmentCode})
	return s.Send(ctx, Input{
		UserID:  userID,
		Title:   "Nouvel équipement",
		Message: fmt.Sprintf("L'équipement %s a été créé avec succès.", equipmentCode),
		Type:    TypeSuccess,
	})
}

// EquipmentUpdated notifies the actor that an equipment record changed and
// invalidates cached equipment lists.
func (s *Service) EquipmentUpdated(ctx context.Context, userID, equipmentCode string) Notification {
	s.invalidateEquipment(ctx)
	_ = audit.LogEvent(ctx, audit.EventEquipmentUpdated, map[string]any{"equipment": equipmentCode})
	return s.Send(ctx, Input{
		UserID:  userID,
		Title:   "Équipement modifié",
		Message: fmt.Sprintf("L'équipement %s a été mis à jour.", equipmentCode),
		Type:    TypeInfo,
	})
}

// EquipmentApproved tells the submitter their staged record was approved
// into the main store, and broadcasts the change to everyone else.
func (s *Service) EquipmentApproved(ctx context.Context, submitterID, approverID, equipmentCode string) Notification {
	s.invalidateEquipment(ctx)
	_ = audit.LogEvent(ctx, audit.EventEquipmentApproved, map[string]any{"equipment": equipmentCode})
	s.Send(ctx, Input{
		UserID:    RecipientAll,
		Title:     "Équipement approuvé",
		Message:   fmt.Sprintf("L'équipement %s a été approuvé.", equipmentCode),
		Type:      TypeInfo,
		Broadcast: true,
		SenderID:  approverID,
	})
	return s.Send(ctx, Input{
		UserID:  submitterID,
		Title:   "Équipement approuvé",
		Message: fmt.Sprintf("Votre équipement %s a été approuvé.", equipmentCode),
		Type:    TypeSuccess,
	})
}

func (s *Service) invalidateEquipment(ctx context.Context) {
	total := 0
	for _, pattern := range equipmentPatterns {
		total += s.store.ClearPattern(ctx, pattern)
	}
	if total > 0 {
		_ = audit.LogEvent(ctx, audit.EventCacheInvalidated, map[string]any{
			"patterns": equipmentPatterns, "removed": total,
		})
	}
}
