// Package cache stellt einen In-Memory-Cache mit musterbasierter
// Invalidierung pro Sammlung bereit. Nach jeder Änderung an Medien- oder
// Cluster-Daten einer Sammlung werden alle zugehörigen Einträge verworfen.
package cache

import (
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

// Store kapselt den darunterliegenden go-cache
type Store struct {
	c       *gocache.Cache
	enabled bool
}

// New erstellt einen neuen Cache mit der angegebenen TTL. Ein deaktivierter
// Cache ist ein No-Op und spart den Aufrufern die Nil-Prüfung.
func New(enabled bool, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		c:       gocache.New(ttl, 2*ttl),
		enabled: enabled,
	}
}

// CollectionKey bildet einen Cache-Schlüssel im Namensraum einer Sammlung
func CollectionKey(collectionID uint, suffix string) string {
	return fmt.Sprintf("collection:%d:%s", collectionID, suffix)
}

// Get liefert den Eintrag zum Schlüssel, falls vorhanden
func (s *Store) Get(key string) (interface{}, bool) {
	if !s.enabled {
		return nil, false
	}
	return s.c.Get(key)
}

// Set speichert einen Eintrag mit der Standard-TTL
func (s *Store) Set(key string, value interface{}) {
	if !s.enabled {
		return
	}
	s.c.SetDefault(key, value)
}

// InvalidateCollection verwirft alle Einträge im Namensraum der Sammlung
func (s *Store) InvalidateCollection(collectionID uint) {
	if !s.enabled {
		return
	}
	prefix := fmt.Sprintf("collection:%d:", collectionID)
	removed := 0
	for key := range s.c.Items() {
		if strings.HasPrefix(key, prefix) {
			s.c.Delete(key)
			removed++
		}
	}
	if removed > 0 {
		log.Debugf("Invalidated %d cache entries for collection %d", removed, collectionID)
	}
}
