package session

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/pscheid92/configserver/internal/domain"
)

const defaultDocumentMode = "index"

// ComputeChangeActions lists what operators must do for next to take effect
// on a system running prev. A nil prev (first deployment) needs nothing.
// The result is sorted and therefore deterministic.
func ComputeChangeActions(prev, next *Model) domain.ConfigChangeActions {
	actions := domain.ConfigChangeActions{
		Restart: []domain.RestartAction{},
		Refeed:  []domain.RefeedAction{},
	}
	if prev == nil || next == nil {
		return actions
	}

	for _, c := range next.Clusters {
		old, ok := prev.cluster(c.ID)
		if !ok || old.Type != c.Type {
			continue
		}
		switch c.Type {
		case ClusterContainer:
			if old.JVMOptions != c.JVMOptions {
				actions.Restart = append(actions.Restart, domain.RestartAction{
					ClusterID: c.ID,
					Reason:    fmt.Sprintf("jvmOptions changed from %q to %q", old.JVMOptions, c.JVMOptions),
				})
			}
		case ClusterContent:
			actions.Refeed = append(actions.Refeed, documentChanges(old, c)...)
		}
	}

	slices.SortFunc(actions.Restart, func(a, b domain.RestartAction) int {
		return cmp.Compare(a.ClusterID, b.ClusterID)
	})
	slices.SortFunc(actions.Refeed, func(a, b domain.RefeedAction) int {
		return cmp.Or(cmp.Compare(a.ClusterID, b.ClusterID), cmp.Compare(a.DocumentType, b.DocumentType))
	})
	return actions
}

func documentChanges(old, next Cluster) []domain.RefeedAction {
	modes := make(map[string]string, len(next.Documents))
	for _, d := range next.Documents {
		modes[d.Type] = documentMode(d)
	}

	var refeeds []domain.RefeedAction
	for _, d := range old.Documents {
		oldMode := documentMode(d)
		newMode, kept := modes[d.Type]
		switch {
		case !kept:
			refeeds = append(refeeds, domain.RefeedAction{
				ClusterID:    next.ID,
				DocumentType: d.Type,
				Reason:       "document type removed",
			})
		case newMode != oldMode:
			refeeds = append(refeeds, domain.RefeedAction{
				ClusterID:    next.ID,
				DocumentType: d.Type,
				Reason:       fmt.Sprintf("document mode changed from %s to %s", oldMode, newMode),
			})
		}
	}
	return refeeds
}

func documentMode(d Document) string {
	if d.Mode == "" {
		return defaultDocumentMode
	}
	return d.Mode
}
