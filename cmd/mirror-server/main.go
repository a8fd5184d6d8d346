package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// Serves a local chapter mirror for development. The data file maps a
// mirror series id to its chapter list in the shape the mirror source reads:
//
//	{"one-piece": [{"number": "1100", "title": "...", "url": "...", "released": "2024-01-02"}]}
func main() {
	dataPath := flag.String("data", "data/mirror.json", "mirror data file")
	addr := flag.String("addr", ":9000", "listen address")
	flag.Parse()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/series/:id/chapters", func(c *gin.Context) {
		// re-read each time so edits show up without a restart
		b, err := os.ReadFile(*dataPath)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot read mirror data: " + err.Error()})
			return
		}
		var series map[string]json.RawMessage
		if err := json.Unmarshal(b, &series); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "mirror data invalid JSON: " + err.Error()})
			return
		}
		chapters, ok := series[c.Param("id")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown series"})
			return
		}
		c.Data(http.StatusOK, "application/json", chapters)
	})

	log.Printf("mirror-server listening on %s", *addr)
	log.Fatal(router.Run(*addr))
}
