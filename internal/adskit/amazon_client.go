package adskit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const defaultAdsAPICallTimeout = 15 * time.Second

// ProviderAccount is one provider-shaped account item, reduced to the fields
// the reconciler needs. SharedEntityID carries the provider-level advertiser
// grouping used for cross-type relationship resolution; it may be empty.
type ProviderAccount struct {
	ExternalID     string
	DisplayName    string
	SharedEntityID string
}

// AdsAPIClient fetches the three provider account collections. Each call
// returns either the full parsed collection or a typed fetch error; malformed
// individual items are skipped, never fatal to the batch.
type AdsAPIClient interface {
	FetchSponsoredAdsProfiles(ctx context.Context, accessToken string) ([]ProviderAccount, error)
	FetchDSPAdvertisers(ctx context.Context, accessToken string) ([]ProviderAccount, error)
	FetchAMCInstances(ctx context.Context, accessToken string) ([]ProviderAccount, error)
}

// AmazonAdsClient implements AdsAPIClient against the Amazon Advertising API.
type AmazonAdsClient struct {
	baseURL     string
	clientID    string
	httpClient  *http.Client
	callTimeout time.Duration
}

// NewAmazonAdsClient constructs a client for the configured API host.
func NewAmazonAdsClient(configuration ServerConfig) *AmazonAdsClient {
	return &AmazonAdsClient{
		baseURL:     configuration.AdsAPIBaseURL,
		clientID:    configuration.AmazonClientID,
		httpClient:  &http.Client{Timeout: defaultAdsAPICallTimeout},
		callTimeout: defaultAdsAPICallTimeout,
	}
}

type sponsoredAdsProfilePayload struct {
	ProfileID   int64  `json:"profileId"`
	CountryCode string `json:"countryCode"`
	AccountInfo struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"accountInfo"`
}

type dspAdvertiserPayload struct {
	AdvertiserID string `json:"advertiserId"`
	Name         string `json:"name"`
	EntityID     string `json:"entityId"`
}

type amcInstancePayload struct {
	InstanceID   string `json:"instanceId"`
	InstanceName string `json:"instanceName"`
	EntityID     string `json:"entityId"`
}

// FetchSponsoredAdsProfiles lists the sponsored-ads profiles visible to the token.
func (client *AmazonAdsClient) FetchSponsoredAdsProfiles(ctx context.Context, accessToken string) ([]ProviderAccount, error) {
	body, fetchErr := client.get(ctx, "/v2/profiles", accessToken)
	if fetchErr != nil {
		return nil, fmt.Errorf("ads_api.profiles: %w", fetchErr)
	}
	var payload []sponsoredAdsProfilePayload
	if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil {
		return nil, fmt.Errorf("ads_api.profiles: decode: %w", decodeErr)
	}
	accounts := make([]ProviderAccount, 0, len(payload))
	for _, item := range payload {
		if item.ProfileID == 0 {
			continue
		}
		displayName := item.AccountInfo.Name
		if displayName == "" {
			displayName = fmt.Sprintf("Profile %d (%s)", item.ProfileID, item.CountryCode)
		}
		accounts = append(accounts, ProviderAccount{
			ExternalID:     strconv.FormatInt(item.ProfileID, 10),
			DisplayName:    displayName,
			SharedEntityID: item.AccountInfo.ID,
		})
	}
	return accounts, nil
}

// FetchDSPAdvertisers lists the DSP advertisers visible to the token.
func (client *AmazonAdsClient) FetchDSPAdvertisers(ctx context.Context, accessToken string) ([]ProviderAccount, error) {
	body, fetchErr := client.get(ctx, "/dsp/advertisers", accessToken)
	if fetchErr != nil {
		return nil, fmt.Errorf("ads_api.dsp_advertisers: %w", fetchErr)
	}
	var payload struct {
		TotalResults int                    `json:"totalResults"`
		Response     []dspAdvertiserPayload `json:"response"`
	}
	if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil {
		return nil, fmt.Errorf("ads_api.dsp_advertisers: decode: %w", decodeErr)
	}
	accounts := make([]ProviderAccount, 0, len(payload.Response))
	for _, item := range payload.Response {
		if item.AdvertiserID == "" {
			continue
		}
		accounts = append(accounts, ProviderAccount{
			ExternalID:     item.AdvertiserID,
			DisplayName:    item.Name,
			SharedEntityID: item.EntityID,
		})
	}
	return accounts, nil
}

// FetchAMCInstances lists the AMC instances visible to the token.
func (client *AmazonAdsClient) FetchAMCInstances(ctx context.Context, accessToken string) ([]ProviderAccount, error) {
	body, fetchErr := client.get(ctx, "/amc/instances", accessToken)
	if fetchErr != nil {
		return nil, fmt.Errorf("ads_api.amc_instances: %w", fetchErr)
	}
	var payload struct {
		Instances []amcInstancePayload `json:"instances"`
	}
	if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil {
		return nil, fmt.Errorf("ads_api.amc_instances: decode: %w", decodeErr)
	}
	accounts := make([]ProviderAccount, 0, len(payload.Instances))
	for _, item := range payload.Instances {
		if item.InstanceID == "" {
			continue
		}
		accounts = append(accounts, ProviderAccount{
			ExternalID:     item.InstanceID,
			DisplayName:    item.InstanceName,
			SharedEntityID: item.EntityID,
		})
	}
	return accounts, nil
}

func (client *AmazonAdsClient) get(ctx context.Context, path string, accessToken string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, client.callTimeout)
	defer cancel()

	request, requestErr := http.NewRequestWithContext(callCtx, http.MethodGet, client.baseURL+path, nil)
	if requestErr != nil {
		return nil, requestErr
	}
	request.Header.Set("Amazon-Advertising-API-ClientId", client.clientID)
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("request: %v: %w", doErr, ErrTransientProvider)
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return nil, fmt.Errorf("read: %v: %w", readErr, ErrTransientProvider)
	}
	if response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("status %d: %w", response.StatusCode, ErrTransientProvider)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", response.StatusCode, truncateBody(body))
	}
	return body, nil
}

func truncateBody(body []byte) string {
	const limit = 256
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
