package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const tokenTTL = time.Hour * 24 * 7

var jwtSecret []byte

// AppClaims represents the custom claims for the JWT. The subject is the
// user id that owns locks and drags.
type AppClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

func (c *AppClaims) UserID() string { return c.Subject }

func InitAuth(secret string) {
	jwtSecret = []byte(secret)
	if len(jwtSecret) == 0 {
		logrus.Warn("JWT_SECRET is not set. Authentication will not work.")
	}
}

func CreateJWT(userID, name string) (string, error) {
	if len(jwtSecret) == 0 {
		return "", fmt.Errorf("jwt secret is not configured")
	}
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Name: name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func ParseJWT(tokenString string) (*AppClaims, error) {
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("jwt secret is not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*AppClaims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

type tokenRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// HandleDevToken issues a token for any user id. Only mounted when
// auth.devTokens is enabled.
func HandleDevToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "userId is required"})
		return
	}

	token, err := CreateJWT(req.UserID, req.Name)
	if err != nil {
		logrus.WithError(err).Error("Failed to create token")
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "Failed to create token"})
		return
	}
	render.JSON(w, r, map[string]string{"token": token})
}
