package relay

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"moltrelay/gateway/auth"
	"moltrelay/gateway/httperr"
	"moltrelay/models"
)

type createOfferRequest struct {
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	Tags          []string           `json:"tags"`
	PricingMode   models.PricingMode `json:"pricing_mode"`
	FixedPriceRaw *string            `json:"fixed_price_raw"`
	Active        *bool              `json:"active"`
}

func validateCreateOffer(req *createOfferRequest) []fieldIssue {
	var issues []fieldIssue
	title := strings.TrimSpace(req.Title)
	if title == "" {
		issues = append(issues, issue("title", "is required"))
	} else if len(title) > maxTitleLen {
		issues = append(issues, issue("title", "must be at most %d characters", maxTitleLen))
	}
	if len(req.Description) > maxDescriptionLen {
		issues = append(issues, issue("description", "must be at most %d characters", maxDescriptionLen))
	}
	if len(req.Tags) > maxTags {
		issues = append(issues, issue("tags", "must contain at most %d entries", maxTags))
	}
	seen := make(map[string]bool, len(req.Tags))
	for _, tag := range req.Tags {
		if tag == "" || len(tag) > maxTagLen {
			issues = append(issues, issue("tags", "entries must be 1-%d characters", maxTagLen))
			break
		}
		if seen[tag] {
			issues = append(issues, issue("tags", "entries must be unique"))
			break
		}
		seen[tag] = true
	}
	switch req.PricingMode {
	case models.PricingFixed:
		if req.FixedPriceRaw == nil {
			issues = append(issues, issue("fixed_price_raw", "is required when pricing_mode is fixed"))
		} else if len(*req.FixedPriceRaw) > maxRawAmountLen || !rawAmountRe.MatchString(*req.FixedPriceRaw) {
			issues = append(issues, issue("fixed_price_raw", "must be a decimal integer of at most %d digits", maxRawAmountLen))
		}
	case models.PricingQuote:
		if req.FixedPriceRaw != nil {
			issues = append(issues, issue("fixed_price_raw", "is forbidden when pricing_mode is quote"))
		}
	default:
		issues = append(issues, issue("pricing_mode", "must be fixed or quote"))
	}
	return issues
}

// CreateOffer registers a seller capability. The seller identity always
// comes from the authenticated envelope, never from the body.
func (s *Server) CreateOffer(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodeInvalidSignature, "missing identity"))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodePayloadTooLarge, "request body too large"))
		return
	}
	var req createOfferRequest
	if decodeErr := decodeJSONBody(body, &req); decodeErr != nil {
		httperr.Write(w, decodeErr)
		return
	}
	if issues := validateCreateOffer(&req); len(issues) > 0 {
		httperr.Write(w, validationError(issues))
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	offer := models.Offer{
		ID:            uuid.New(),
		SellerPubKey:  principal.PubKey,
		Title:         strings.TrimSpace(req.Title),
		Description:   req.Description,
		Tags:          req.Tags,
		TagsFlat:      models.FlattenTags(req.Tags),
		PricingMode:   req.PricingMode,
		FixedPriceRaw: req.FixedPriceRaw,
		Active:        active,
		CreatedAt:     s.now().UTC().Truncate(time.Second),
	}
	if err := s.db.WithContext(r.Context()).Create(&offer).Error; err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, offer)
}

type offerPage struct {
	Offers []models.Offer `json:"offers"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
	Total  int64          `json:"total"`
}

// ListOffers is the public catalog search endpoint.
func (s *Server) ListOffers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset, pageErr := parsePage(query, 20)
	if pageErr != nil {
		httperr.Write(w, pageErr)
		return
	}

	db := s.db.WithContext(r.Context()).Model(&models.Offer{})

	active := true
	if raw := query.Get("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			httperr.Write(w, validationError([]fieldIssue{issue("active", "must be a boolean")}))
			return
		}
		active = parsed
	}
	db = db.Where("active = ?", active)

	if q := strings.TrimSpace(query.Get("q")); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		db = db.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ?", like, like)
	}
	if raw := strings.TrimSpace(query.Get("tags")); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			db = db.Where("tags_flat LIKE ?", "%|"+tag+"|%")
		}
	}
	if seller := strings.TrimSpace(query.Get("seller_pubkey")); seller != "" {
		db = db.Where("seller_pub_key = ?", seller)
	}
	if mode := strings.TrimSpace(query.Get("pricing_mode")); mode != "" {
		if mode != string(models.PricingFixed) && mode != string(models.PricingQuote) {
			httperr.Write(w, validationError([]fieldIssue{issue("pricing_mode", "must be fixed or quote")}))
			return
		}
		db = db.Where("pricing_mode = ?", mode)
	}
	if raw := query.Get("online_only"); raw != "" {
		onlineOnly, err := strconv.ParseBool(raw)
		if err != nil {
			httperr.Write(w, validationError([]fieldIssue{issue("online_only", "must be a boolean")}))
			return
		}
		if onlineOnly {
			sellers := s.notifier.OnlineSellers()
			if len(sellers) == 0 {
				s.writeJSON(w, http.StatusOK, offerPage{Offers: []models.Offer{}, Limit: limit, Offset: offset})
				return
			}
			db = db.Where("seller_pub_key IN ?", sellers)
		}
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		s.internalError(w, r, err)
		return
	}
	offers := []models.Offer{}
	if err := db.Order("created_at DESC").Limit(limit).Offset(offset).Find(&offers).Error; err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, offerPage{Offers: offers, Limit: limit, Offset: offset, Total: total})
}
