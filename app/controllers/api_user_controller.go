package controllers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/fairwaymentors/clubhouse/app/models"
	"github.com/fairwaymentors/clubhouse/app/repository"
	"github.com/fairwaymentors/clubhouse/internal/pkg/database"
	"github.com/fairwaymentors/clubhouse/internal/pkg/entitlements"
	"github.com/fairwaymentors/clubhouse/internal/pkg/usercontext"
	"github.com/fairwaymentors/clubhouse/internal/pkg/utils"
)

// HandleGetUserAccount returns account information for the authenticated user
// (API key or session), including the entitled tier and its feature limits.
func HandleGetUserAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	account, err := repo.GetByID(userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	db := database.GetDB()
	if db == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Database unavailable"})
	}
	settings, err := models.GetOrCreateUserSettings(db, userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user settings"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tier, err := billingService.EntitledTier(ctx, userCtx.UserID)
	if err != nil {
		log.Printf("account: tier read failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load subscription"})
	}

	avatarURL := account.AvatarURL
	if avatarURL == "" {
		avatarURL = utils.GetGravatarURL(account.Email, 200)
	}

	response := fiber.Map{
		"id":                   account.ID,
		"public_id":            account.PublicID,
		"name":                 account.Name,
		"email":                account.Email,
		"role":                 account.Role,
		"status":               account.Status,
		"handicap":             account.Handicap,
		"home_club":            account.HomeClub,
		"avatar_url":           avatarURL,
		"tier":                 string(tier),
		"created_at":           account.CreatedAt.UTC().Format(time.RFC3339),
		"last_login_at":        formatTimePtr(account.LastLoginAt),
		"api_key_last_used_at": formatTimePtr(settings.APIKeyLastUsedAt),
		"limits": fiber.Map{
			"swing_reviews_per_month": entitlements.SwingReviewsPerMonth(tier),
			"can_book_one_on_one":     entitlements.CanBookOneOnOne(tier),
			"can_join_clinics":        entitlements.CanJoinClinics(tier),
			"max_swing_video_bytes":   entitlements.MaxSwingVideoBytes(tier),
		},
		"preferences": fiber.Map{
			"newsletter":     settings.PrefNewsletter,
			"public_profile": settings.PrefPublicProfile,
			"swing_public":   settings.PrefSwingPublic,
		},
	}

	return c.JSON(response)
}

// HandleIssueAPIKey generates a fresh API key for the authenticated user and
// returns the raw secret exactly once.
func HandleIssueAPIKey(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	db := database.GetDB()
	settings, err := models.GetOrCreateUserSettings(db, userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user settings"})
	}

	rawKey, err := settings.IssueAPIKey()
	if err != nil {
		log.Printf("account: api key generation failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to generate API key"})
	}
	if err := db.Save(settings).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to store API key"})
	}

	return c.JSON(fiber.Map{
		"api_key":        rawKey,
		"api_key_prefix": settings.APIKeyPrefix,
		"created_at":     formatTimePtr(settings.APIKeyCreatedAt),
	})
}

// HandleRevokeAPIKey revokes the authenticated user's API key.
func HandleRevokeAPIKey(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	db := database.GetDB()
	settings, err := models.GetOrCreateUserSettings(db, userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user settings"})
	}

	settings.RevokeAPIKey()
	if err := db.Save(settings).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to revoke API key"})
	}

	return c.JSON(fiber.Map{"ok": true})
}
