package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"facecluster-go/config"

	log "github.com/sirupsen/logrus"
)

// Client für die API des externen Gesichtserkennungsdienstes.
// Alle Ähnlichkeitsabfragen sind auf eine Collection (den Namensraum
// einer Foto-Sammlung) beschränkt.
type Client struct {
	config     config.VisionConfig
	httpClient *http.Client
}

// BoundingBox repräsentiert die Begrenzungsbox eines Gesichts.
// Alle Werte sind Verhältniswerte in [0,1], niemals Pixel.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Quality enthält die Qualitätsmetriken eines erkannten Gesichts
type Quality struct {
	Brightness float64 `json:"brightness"`
	Sharpness  float64 `json:"sharpness"`
}

// Pose enthält die Kopfpose eines erkannten Gesichts in Grad
type Pose struct {
	Roll  float64 `json:"roll"`
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
}

// FaceRecord repräsentiert ein vom Dienst erkanntes bzw. indexiertes Gesicht.
// FaceID ist erst nach dem Indexieren gesetzt.
type FaceRecord struct {
	FaceID      string      `json:"face_id,omitempty"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bounding_box"`
	Quality     *Quality    `json:"quality,omitempty"`
	Pose        *Pose       `json:"pose,omitempty"`
}

// FaceMatch repräsentiert einen Treffer einer Ähnlichkeitssuche
type FaceMatch struct {
	FaceID     string  `json:"face_id"`
	Similarity float64 `json:"similarity"`
}

// detectResponse repräsentiert die Antwort des Detect-Endpunkts
type detectResponse struct {
	Faces []FaceRecord `json:"faces"`
}

// searchResponse repräsentiert die Antwort des Similar-Endpunkts
type searchResponse struct {
	Matches []FaceMatch `json:"matches"`
}

// deleteResponse repräsentiert die Antwort des Delete-Endpunkts
type deleteResponse struct {
	Deleted int `json:"deleted"`
}

// NewClient erstellt einen neuen Vision-Client
func NewClient(cfg config.VisionConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateCollection legt eine Collection im externen Dienst an.
// Ein bereits existierender Namensraum ist kein Fehler (409 wird akzeptiert).
func (c *Client) CreateCollection(ctx context.Context, collectionID string) error {
	apiURL, err := url.JoinPath(c.config.URL, "/api/v1/collections")
	if err != nil {
		return fmt.Errorf("failed to create API URL: %w", err)
	}

	// Request-Body erstellen
	reqBody := map[string]string{"collection_id": collectionID}
	reqBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewReader(reqBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Header setzen
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	// 409 bedeutet: Collection existiert bereits - idempotent behandeln
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vision API returned error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	log.Debugf("Ensured vision collection: %s", collectionID)
	return nil
}

// DetectFaces sendet ein Bild zur Gesichtserkennung. Die zurückgegebenen
// FaceRecords enthalten noch keine FaceID - die wird erst beim Indexieren vergeben.
func (c *Client) DetectFaces(ctx context.Context, imageData []byte, filename string) ([]FaceRecord, error) {
	log.Debugf("Sending image to vision detection: %s", filename)

	// Multipart-Form-Daten erstellen
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}

	// Mindest-Konfidenz als Parameter mitgeben
	minConfidence := fmt.Sprintf("%.2f", c.config.MinConfidence)
	if err := writer.WriteField("min_confidence", minConfidence); err != nil {
		log.Warnf("Failed to add min_confidence parameter: %v", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	apiURL, err := url.JoinPath(c.config.URL, "/api/v1/faces/detect")
	if err != nil {
		return nil, fmt.Errorf("failed to create API URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-api-key", c.config.APIKey)

	// Start der Zeitmessung
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start)
	log.Debugf("Vision detection request took %s", duration)

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vision API returned error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	log.Debugf("Vision service detected %d faces in %s", len(result.Faces), filename)
	return result.Faces, nil
}

// IndexFace indexiert ein aufbereitetes Gesichtsbild in der angegebenen Collection.
// Der Dienst vergibt dabei die dauerhafte FaceID und liefert sie mit
// Konfidenz, Bounding-Box, Qualität und Pose zurück.
func (c *Client) IndexFace(ctx context.Context, collectionID string, imageData []byte, externalID string) ([]FaceRecord, error) {
	// Multipart-Form-Daten erstellen
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", externalID+".jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(imageData)); err != nil {
		return nil, fmt.Errorf("failed to copy image data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	// Ziel-URL mit externer ID als Query-Parameter erstellen
	baseURL, err := url.JoinPath(c.config.URL, "/api/v1/collections/", collectionID, "/faces")
	if err != nil {
		return nil, fmt.Errorf("failed to create API URL: %w", err)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("external_id", externalID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vision API returned error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	log.Debugf("Indexed %d face(s) in collection %s (external ID %s)", len(result.Faces), collectionID, externalID)
	return result.Faces, nil
}

// SearchSimilar sucht die ähnlichsten Gesichter zu einer FaceID innerhalb
// derselben Collection. threshold ist ein Prozentwert auf der 0-100-Skala.
func (c *Client) SearchSimilar(ctx context.Context, collectionID, faceID string, maxResults int, threshold float64) ([]FaceMatch, error) {
	baseURL, err := url.JoinPath(c.config.URL, "/api/v1/collections/", collectionID, "/faces/", faceID, "/similar")
	if err != nil {
		return nil, fmt.Errorf("failed to create API URL: %w", err)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	// Query-Parameter hinzufügen
	q := u.Query()
	q.Set("max_results", strconv.Itoa(maxResults))
	q.Set("threshold", fmt.Sprintf("%.2f", threshold))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vision API returned error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return result.Matches, nil
}

// DeleteFaces löscht Gesichter aus dem Index der Collection und gibt die
// Anzahl der tatsächlich gelöschten Einträge zurück
func (c *Client) DeleteFaces(ctx context.Context, collectionID string, faceIDs []string) (int, error) {
	if len(faceIDs) == 0 {
		return 0, nil
	}

	apiURL, err := url.JoinPath(c.config.URL, "/api/v1/collections/", collectionID, "/faces")
	if err != nil {
		return 0, fmt.Errorf("failed to create API URL: %w", err)
	}

	reqBody := map[string][]string{"face_ids": faceIDs}
	reqBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "DELETE", apiURL, bytes.NewReader(reqBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("vision API returned error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var result deleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	log.Infof("Deleted %d face(s) from vision collection %s", result.Deleted, collectionID)
	return result.Deleted, nil
}
