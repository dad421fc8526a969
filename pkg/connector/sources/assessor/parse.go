package assessor

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/trawler-io/trawler/pkg/connector/core"
	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/json"
)

// errorFormAction is the form target the site renders for parcel ids that
// do not exist. The page still comes back 200, so this is the only signal.
const errorFormAction = "./Error.aspx?Message=There+was+an+error+loading+the+parcel."

// propertySpans maps the property card's span ids to column names.
var propertySpans = map[string]string{
	"MainContent_lblPid":                "pid",
	"MainContent_lblAcctNum":            "account_number",
	"MainContent_lblMblu":               "mblu",
	"lblTownName":                       "town_name",
	"MainContent_lblLocation":           "address",
	"MainContent_lblGenOwner":           "owner",
	"MainContent_lblAddr1":              "owner_address",
	"MainContent_lblCoOwner":            "co_owner",
	"MainContent_lblPrice":              "sale_price",
	"MainContent_lblCertificate":        "certificate",
	"MainContent_lblSaleDate":           "sale_date",
	"MainContent_lblBp":                 "book_page",
	"MainContent_lblBookLabel":          "book_label",
	"MainContent_lblBook":               "book",
	"MainContent_lblPageLabel":          "page_label",
	"MainContent_lblPage":               "page",
	"MainContent_lblInstrument":         "label_instrument",
	"MainContent_lblGenAssessment":      "assessment_value",
	"MainContent_lblGenAppraisal":       "appraisal_value",
	"MainContent_lblBldCount":           "building_count",
	"MainContent_lblUseCode":            "land_use_code",
	"MainContent_lblUseCodeDescription": "building_use",
	"MainContent_lblAltApproved":        "land_alt_approved",
	"MainContent_lblZone":               "land_zone",
	"MainContent_lblNbhd":               "land_neighborhood_code",
	"MainContent_lblLndFront":           "land_frontage",
	"MainContent_lblDepth":              "land_depth",
	"MainContent_lblLndAsmt":            "land_assessed_value",
	"MainContent_lblLndAppr":            "land_appraised_value",
	"MainContent_lblZip":                "zip_code",
}

// landSizeSpans are tried in order; sites disagree on which id they render.
var landSizeSpans = []string{"MainContent_lblLndSize", "MainContent_lblLndAcres"}

var knownPropertySpans = func() map[string]bool {
	known := make(map[string]bool, len(propertySpans)+len(landSizeSpans))
	for id := range propertySpans {
		known[id] = true
	}
	for _, id := range landSizeSpans {
		known[id] = true
	}
	return known
}()

var propertyMoneyFields = map[string]bool{
	"sale_price":           true,
	"assessment_value":     true,
	"appraisal_value":      true,
	"land_assessed_value":  true,
	"land_appraised_value": true,
}

var propertyIntFields = map[string]bool{
	"building_count": true,
}

// constructionColumns maps normalized construction detail labels to building
// columns. Sites spell a few labels differently, hence the duplicates.
var constructionColumns = map[string]string{
	"style":              "style",
	"model":              "model",
	"grade":              "grade",
	"stories":            "stories",
	"occupancy":          "occupancy",
	"exterior_wall_1":    "exterior_wall_1",
	"exterior_wall_2":    "exterior_wall_2",
	"roof_structure":     "roof_structure",
	"roof_cover":         "roof_cover",
	"interior_wall_1":    "interior_wall_1",
	"interior_wall_2":    "interior_wall_2",
	"interior_flr_1":     "interior_floor_1",
	"interior_flr_2":     "interior_floor_2",
	"interior_floor_1":   "interior_floor_1",
	"interior_floor_2":   "interior_floor_2",
	"heat_fuel":          "heat_fuel",
	"heat_type":          "heat_type",
	"ac_type":            "ac_type",
	"total_bedrooms":     "total_bedrooms",
	"total_bthrms":       "total_bthrms",
	"total_half_baths":   "total_half_baths",
	"total_xtra_fixtrs":  "total_xtra_fixtrs",
	"total_rooms":        "total_rooms",
	"bath_style":         "bath_style",
	"kitchen_style":      "kitchen_style",
	"interior_condition": "interior_condition",
	"fin_bsmnt_area":     "fin_bsmnt_area",
	"fin_bsmnt_qual":     "fin_bsmnt_qual",
	"nbhd_code":          "nbhd_code",
}

// page is a one-pass index of a parsed property card: every span's text,
// every img's src and every table keyed by element id.
type page struct {
	spans      map[string]string
	imgs       map[string]string
	sketchSrc  string
	tables     map[string]*html.Node
	formAction string
}

func indexPage(body []byte) (*page, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "parse property card html")
	}

	pg := &page{
		spans:  make(map[string]string),
		imgs:   make(map[string]string),
		tables: make(map[string]*html.Node),
	}

	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "span":
				if id := attrVal(n, "id"); id != "" {
					pg.spans[id] = nodeText(n)
				}
			case "img":
				if id := attrVal(n, "id"); id != "" {
					pg.imgs[id] = attrVal(n, "src")
				}
				if pg.sketchSrc == "" && attrVal(n, "alt") == "Building Layout" {
					pg.sketchSrc = attrVal(n, "src")
				}
			case "table":
				if id := attrVal(n, "id"); id != "" {
					pg.tables[id] = n
				}
			case "form":
				if attrVal(n, "id") == "form1" {
					pg.formAction = attrVal(n, "action")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(root)
	return pg, nil
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// nodeText joins the trimmed text fragments under a node with single spaces.
func nodeText(n *html.Node) string {
	var parts []string
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				parts = append(parts, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.Join(parts, " ")
}

type tableCell struct {
	tag  string
	text string
}

// tableGrid returns a table's rows as cell lists, th and td alike.
func tableGrid(tbl *html.Node) [][]tableCell {
	var rows [][]tableCell
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			rows = append(rows, rowCells(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(tbl)
	return rows
}

func rowCells(tr *html.Node) []tableCell {
	var cells []tableCell
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "td" || n.Data == "th") {
			cells = append(cells, tableCell{tag: n.Data, text: nodeText(n)})
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		visit(c)
	}
	return cells
}

func dataCells(row []tableCell) []tableCell {
	var tds []tableCell
	for _, c := range row {
		if c.tag == "td" {
			tds = append(tds, c)
		}
	}
	return tds
}

// Value coercions. Unparseable input becomes nil rather than an error: the
// pages mix empty strings, dashes and actual values freely.

func moneyValue(s string) interface{} {
	cleaned := strings.TrimSpace(strings.NewReplacer("$", "", ",", "").Replace(s))
	if cleaned == "" {
		return nil
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return f
}

func floatValue(s string) interface{} {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return f
}

func intValue(s string) interface{} {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil
	}
	return n
}

func cleanString(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

func coerceMoney(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return moneyValue(s)
	}
	return nil
}

func coerceInt(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return intValue(s)
	}
	return nil
}

func coerceFloat(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return floatValue(s)
	}
	return nil
}

// deterministicUUID derives a stable id from the entry id and the parsed
// field values, canonicalized through sorted-key JSON. The same card always
// hashes to the same uuid, so re-runs never mint new identities.
func deterministicUUID(pid string, data map[string]interface{}) string {
	canonical, _ := json.Marshal(data)
	sum := md5.Sum([]byte(pid + string(canonical)))
	u, _ := uuid.FromBytes(sum[:])
	return u.String()
}

// parseProperty extracts the property-level fields. Spans it has no mapping
// for are kept in an extra_fields JSON blob so new site fields are never
// silently dropped.
func parseProperty(pg *page, pid string, log *zap.Logger) map[string]interface{} {
	data := make(map[string]interface{}, len(propertySpans)+4)
	for id, field := range propertySpans {
		if text, ok := pg.spans[id]; ok {
			data[field] = text
		}
	}

	landSize := ""
	for _, id := range landSizeSpans {
		if text, ok := pg.spans[id]; ok {
			landSize = text
			break
		}
	}

	extra := make(map[string]string)
	for id, text := range pg.spans {
		if strings.HasPrefix(id, "MainContent_lbl") && !knownPropertySpans[id] && text != "" {
			extra[id] = text
		}
	}
	if len(extra) > 0 {
		log.Debug("captured unmapped property fields",
			zap.String("pid", pid), zap.Int("count", len(extra)))
	}

	for field := range propertyMoneyFields {
		if v, ok := data[field]; ok {
			data[field] = coerceMoney(v)
		}
	}
	for field := range propertyIntFields {
		if v, ok := data[field]; ok {
			data[field] = coerceInt(v)
		}
	}
	data["land_size_acres"] = floatValue(landSize)
	data["land_frontage"] = coerceFloat(data["land_frontage"])
	data["land_depth"] = coerceFloat(data["land_depth"])

	for key, v := range data {
		if s, ok := v.(string); ok {
			data[key] = cleanString(s)
		}
	}

	if len(extra) > 0 {
		blob, _ := json.Marshal(extra)
		data["extra_fields"] = string(blob)
	} else {
		data["extra_fields"] = nil
	}

	data["uuid"] = deterministicUUID(pid, data)
	data["pid"] = pid
	return data
}

// parseBuildings walks the building panels. Panels are indexed from ctl02;
// scanning a couple past the declared count picks up panels the card renders
// for attached structures.
func parseBuildings(pg *page, buildingCount int, pid string, log *zap.Logger) []map[string]interface{} {
	var buildings []map[string]interface{}

	for bid := 0; bid < buildingCount+3; bid++ {
		// Panels number from ctl02; two digits, so the tenth is ctl10.
		prefix := fmt.Sprintf("MainContent_ctl%02d", bid+2)

		yearText, hasYear := pg.spans[prefix+"_lblYearBuilt"]
		areaText, hasArea := pg.spans[prefix+"_lblBldArea"]
		if !hasYear && !hasArea {
			if bid < buildingCount {
				log.Warn("building panel missing from card",
					zap.String("pid", pid), zap.Int("bid", bid))
			}
			continue
		}

		b := map[string]interface{}{
			"bid":               int64(bid),
			"year_built":        nil,
			"building_area":     nil,
			"replacement_cost":  spanMoney(pg, prefix+"_lblRcn"),
			"less_depreciation": spanMoney(pg, prefix+"_lblRcnld"),
			"pct_good":          spanInt(pg, prefix+"_lblPctGood"),
		}
		if hasYear {
			b["year_built"] = intValue(yearText)
		}
		if hasArea {
			b["building_area"] = floatValue(strings.ReplaceAll(areaText, ",", ""))
		}

		b["photo_url"] = nil
		if src, ok := pg.imgs[prefix+"_imgPhoto"]; ok {
			if src != "" && !strings.Contains(strings.ToLower(src), "default.jpg") {
				b["photo_url"] = src
			}
		}

		b["sketch_url"] = nil
		if pg.sketchSrc != "" {
			b["sketch_url"] = pg.sketchSrc
		}

		b["construction"] = parseConstruction(pg, prefix)
		b["sub_areas"] = parseSubAreas(pg, prefix)

		buildings = append(buildings, b)
	}
	return buildings
}

func spanMoney(pg *page, id string) interface{} {
	if text, ok := pg.spans[id]; ok {
		return moneyValue(text)
	}
	return nil
}

func spanInt(pg *page, id string) interface{} {
	if text, ok := pg.spans[id]; ok {
		return intValue(text)
	}
	return nil
}

// parseConstruction reads a building's construction detail table into a
// label-to-value map. Labels are normalized to snake_case.
func parseConstruction(pg *page, prefix string) map[string]string {
	details := make(map[string]string)
	tbl, ok := pg.tables[prefix+"_grdCns"]
	if !ok {
		return details
	}

	for _, row := range tableGrid(tbl) {
		tds := dataCells(row)
		if len(tds) < 2 {
			continue
		}
		key := strings.ToLower(tds[0].text)
		key = strings.TrimRight(key, ":")
		key = strings.ReplaceAll(key, " ", "_")
		key = strings.ReplaceAll(key, "&", "and")
		if v := tds[1].text; v != "" {
			details[key] = v
		}
	}
	return details
}

// parseSubAreas reads a building's sub-area table: code, description and
// the two area figures. The first row is the header.
func parseSubAreas(pg *page, prefix string) []map[string]interface{} {
	tbl, ok := pg.tables[prefix+"_grdSub"]
	if !ok {
		return nil
	}
	rows := tableGrid(tbl)
	if len(rows) < 2 {
		return nil
	}

	var subAreas []map[string]interface{}
	for _, row := range rows[1:] {
		tds := dataCells(row)
		if len(tds) < 4 {
			continue
		}
		code := tds[0].text
		if code == "" {
			continue
		}
		subAreas = append(subAreas, map[string]interface{}{
			"code":        code,
			"description": tds[1].text,
			"gross_area":  floatValue(strings.ReplaceAll(tds[2].text, ",", "")),
			"living_area": floatValue(strings.ReplaceAll(tds[3].text, ",", "")),
		})
	}
	return subAreas
}

// parseTableRows is the generic reader for the card's history tables (sales,
// value history, yard items). The first row supplies the column names; rows
// with no values at all are dropped.
func parseTableRows(pg *page, tableID string, moneyFields ...string) []map[string]interface{} {
	tbl, ok := pg.tables[tableID]
	if !ok {
		return nil
	}
	if strings.Contains(nodeText(tbl), "No Data") {
		return nil
	}

	rows := tableGrid(tbl)
	if len(rows) < 2 {
		return nil
	}

	var headers []string
	for _, cell := range rows[0] {
		key := strings.ToLower(cell.text)
		key = strings.ReplaceAll(key, " ", "_")
		key = strings.ReplaceAll(key, "&", "and")
		headers = append(headers, key)
	}
	if len(headers) == 0 {
		return nil
	}

	money := make(map[string]bool, len(moneyFields))
	for _, f := range moneyFields {
		money[f] = true
	}

	var results []map[string]interface{}
	for _, row := range rows[1:] {
		tds := dataCells(row)
		rowMap := make(map[string]interface{}, len(headers))
		for i, header := range headers {
			if i >= len(tds) {
				break
			}
			if money[header] {
				rowMap[header] = moneyValue(tds[i].text)
			} else {
				rowMap[header] = cleanString(tds[i].text)
			}
		}
		if hasAnyValue(rowMap) {
			results = append(results, rowMap)
		}
	}
	return results
}

func hasAnyValue(row map[string]interface{}) bool {
	for _, v := range row {
		if v != nil {
			return true
		}
	}
	return false
}

// parseParcel turns one fetched property card into a payload: the property
// fields plus buildings and the history tables, all stamped with the
// property's uuid.
func parseParcel(body []byte, pid, pageURL string, log *zap.Logger) (core.Payload, error) {
	pg, err := indexPage(body)
	if err != nil {
		return nil, err
	}

	if pg.formAction == errorFormAction {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "parcel %s does not exist", pid)
	}

	prop := parseProperty(pg, pid, log)
	propertyUUID, _ := prop["uuid"].(string)

	buildingCount := 0
	if n, ok := prop["building_count"].(int64); ok {
		buildingCount = int(n)
	}

	prop["source_url"] = pageURL

	buildings := parseBuildings(pg, buildingCount, pid, log)
	for _, b := range buildings {
		b["property_uuid"] = propertyUUID
		b["pid"] = pid
	}

	ownership := parseTableRows(pg, "MainContent_grdSales", "sale_price")
	appraisals := parseTableRows(pg, "MainContent_grdHistoryValuesAppr", "improvements", "land", "total")
	assessments := parseTableRows(pg, "MainContent_grdHistoryValuesAsmt", "improvements", "land", "total")
	extraFeatures := parseTableRows(pg, "MainContent_grdXf", "value", "assessed_value")
	outbuildings := parseTableRows(pg, "MainContent_grdOb", "value", "assessed_value")
	for _, rows := range [][]map[string]interface{}{ownership, appraisals, assessments, extraFeatures, outbuildings} {
		stampRows(rows, propertyUUID, pid)
	}

	return core.Payload{
		"property":       prop,
		"buildings":      buildings,
		"ownership":      ownership,
		"appraisals":     appraisals,
		"assessments":    assessments,
		"extra_features": extraFeatures,
		"outbuildings":   outbuildings,
	}, nil
}

func stampRows(rows []map[string]interface{}, propertyUUID, pid string) {
	for _, r := range rows {
		r["property_uuid"] = propertyUUID
		r["pid"] = pid
	}
}
