// Package export renders an ordered route as a KML overlay for Google Earth.
// The layout matches what the field teams already load: one green-circle
// placemark per point in visiting order, plus a single line string tracing
// the route.
package export

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tphroute/tphroute/internal/store"
)

const (
	kmlNamespace = "http://www.opengis.net/kml/2.2"
	markerIcon   = "http://maps.google.com/mapfiles/kml/paddle/grn-circle.png"
	// AABBGGRR: opaque yellow.
	pathColor = "ff00ffff"
	pathWidth = 4
)

type kml struct {
	XMLName  xml.Name `xml:"kml"`
	XMLNS    string   `xml:"xmlns,attr"`
	Document document `xml:"Document"`
}

type document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description"`
	Styles      []style     `xml:"Style"`
	Placemarks  []placemark `xml:"Placemark"`
}

type style struct {
	ID         string      `xml:"id,attr"`
	IconStyle  *iconStyle  `xml:"IconStyle,omitempty"`
	LabelStyle *labelStyle `xml:"LabelStyle,omitempty"`
	LineStyle  *lineStyle  `xml:"LineStyle,omitempty"`
}

type iconStyle struct {
	Icon icon `xml:"Icon"`
}

type icon struct {
	Href string `xml:"href"`
}

type labelStyle struct {
	Scale float64 `xml:"scale"`
}

type lineStyle struct {
	Color string `xml:"color"`
	Width int    `xml:"width"`
}

type placemark struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description"`
	StyleURL    string      `xml:"styleUrl"`
	Point       *kmlPoint   `xml:"Point,omitempty"`
	LineString  *lineString `xml:"LineString,omitempty"`
}

type kmlPoint struct {
	Coordinates string `xml:"coordinates"`
}

type lineString struct {
	Tessellate  int    `xml:"tessellate"`
	Coordinates string `xml:"coordinates"`
}

// Filename builds the canonical export name from the active filters and a
// timestamp: tph_route_<dept|all>_<divisi|all>_<blok|all>_<YYYYMMDD_HHMMSS>.kml.
func Filename(f store.Filter, now time.Time) string {
	return fmt.Sprintf("tph_route_%s_%s_%s_%s.kml",
		orAll(f.Dept), orAll(f.Divisi), orAll(f.Blok),
		now.Format("20060102_150405"))
}

func orAll(s string) string {
	if s == "" {
		return "all"
	}
	return s
}

// Render produces the KML document for points already in visiting order.
func Render(points []store.Point) ([]byte, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("no points to render")
	}

	first := points[0]
	doc := document{
		Name:        fmt.Sprintf("TPH Route - %s %s %s", first.DeptAbbr, first.DivisiAbbr, first.BlokKode),
		Description: "Optimized TPH Route using Nearest Neighbor Algorithm",
		Styles: []style{
			{
				ID:         "tphStyle",
				IconStyle:  &iconStyle{Icon: icon{Href: markerIcon}},
				LabelStyle: &labelStyle{Scale: 1.0},
			},
			{
				ID:        "pathStyle",
				LineStyle: &lineStyle{Color: pathColor, Width: pathWidth},
			},
		},
	}

	var pathCoords strings.Builder
	for i, p := range points {
		coord := fmt.Sprintf("%g,%g,0", p.Lon, p.Lat)
		doc.Placemarks = append(doc.Placemarks, placemark{
			Name: fmt.Sprintf("%d. TPH %d", i+1, p.Nomor),
			Description: fmt.Sprintf("ID: %d\nKodeTph: %s\nCoordinates: %g, %g",
				p.ID, p.KodeTPH, p.Lat, p.Lon),
			StyleURL: "#tphStyle",
			Point:    &kmlPoint{Coordinates: coord},
		})
		pathCoords.WriteString(coord)
		if i < len(points)-1 {
			pathCoords.WriteByte(' ')
		}
	}

	doc.Placemarks = append(doc.Placemarks, placemark{
		Name:        "TPH Route",
		Description: "Optimized route through all TPH points",
		StyleURL:    "#pathStyle",
		LineString: &lineString{
			Tessellate:  1,
			Coordinates: pathCoords.String(),
		},
	})

	body, err := xml.MarshalIndent(kml{XMLNS: kmlNamespace, Document: doc}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal kml: %w", err)
	}

	return append([]byte(xml.Header), append(body, '\n')...), nil
}

// Write renders the route and writes it into dir under the given filename,
// creating the directory on first use. The write goes through a temp file
// and rename so a concurrent download never sees a half-written overlay.
func Write(dir, filename string, points []store.Point) (string, error) {
	data, err := Render(points)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	full := filepath.Join(dir, filename)

	tmp, err := os.CreateTemp(dir, filename+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write kml: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close kml: %w", err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("publish kml: %w", err)
	}

	return full, nil
}
