package httpapi

import (
	"net/http"

	"github.com/nextlevelbuilder/hearth/internal/config"
	"github.com/nextlevelbuilder/hearth/internal/identity"
	"github.com/nextlevelbuilder/hearth/internal/providers"
)

// providerView is one chain entry with the API key reduced to a presence
// flag; plaintext keys never leave the process.
type providerView struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	BaseURL   string `json:"base_url,omitempty"`
	HasAPIKey bool   `json:"has_api_key"`
}

func (a *API) providerViews() []providerView {
	chain := a.cfg.ProviderChain()
	out := make([]providerView, 0, len(chain))
	for _, spec := range chain {
		out = append(out, providerView{
			Name:      spec.Name,
			Model:     spec.Model,
			BaseURL:   spec.BaseURL,
			HasAPIKey: spec.APIKey != "",
		})
	}
	return out
}

func (a *API) handleGetProviders(w http.ResponseWriter, _ *http.Request, _ *identity.Principal) {
	writeJSON(w, http.StatusOK, map[string]any{"chain": a.providerViews()})
}

// handleUpdateProviders replaces the provider chain: the running chain swaps
// immediately and the generated file is rewritten so the change survives a
// restart. API keys stay env-only (HEARTH_PROVIDER_<NAME>_API_KEY).
func (a *API) handleUpdateProviders(w http.ResponseWriter, r *http.Request, _ *identity.Principal) {
	var req struct {
		Chain []struct {
			Name    string `json:"name"`
			Model   string `json:"model"`
			BaseURL string `json:"base_url"`
		} `json:"chain"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if len(req.Chain) == 0 {
		a.writeError(w, r, invalidField("chain", "must list at least one provider"))
		return
	}
	specs := make([]config.ProviderSpec, 0, len(req.Chain))
	for _, entry := range req.Chain {
		if entry.Name == "" {
			a.writeError(w, r, invalidField("name", "is required"))
			return
		}
		if entry.Model == "" {
			a.writeError(w, r, invalidField("model", "is required"))
			return
		}
		specs = append(specs, config.ProviderSpec{
			Name:    entry.Name,
			Model:   entry.Model,
			BaseURL: entry.BaseURL,
		})
	}

	if err := a.cfg.ReplaceProviderChain(specs); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.providers.SetProviders(providers.FromSpecs(a.cfg.ProviderChain()))
	a.logger.Info("provider chain updated", "providers", len(specs))
	writeJSON(w, http.StatusOK, map[string]any{"chain": a.providerViews()})
}
