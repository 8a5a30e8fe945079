package exchange

import (
	"net/http"
	"strings"

	"github.com/skalibog/bgbot/pkg/models"
)

type routeID int

const (
	routeServerTime routeID = iota
	routeAccounts
	routeContracts
	routeTicker
	routeCandles
	routePlaceOrder
	routeCancelOrder
	routeOrderDetail
	routeSinglePosition
	routeAllPositions
	routePlaceTPSL
	routeCancelPlan
	routeSetLeverage
	routePendingOrders
)

type route struct {
	method  string
	path    string // относительно PathPrefix эндпоинта
	private bool
}

// dialect различия между версиями API
type dialect struct {
	version     string
	productType string
	routes      map[routeID]route
}

var v1Dialect = dialect{
	version:     "v1",
	productType: "umcbl",
	routes: map[routeID]route{
		routeServerTime:     {http.MethodGet, "/market/time", false},
		routeAccounts:       {http.MethodGet, "/account/accounts", true},
		routeContracts:      {http.MethodGet, "/market/contracts", false},
		routeTicker:         {http.MethodGet, "/market/ticker", false},
		routeCandles:        {http.MethodGet, "/market/candles", false},
		routePlaceOrder:     {http.MethodPost, "/order/placeOrder", true},
		routeCancelOrder:    {http.MethodPost, "/order/cancel-order", true},
		routeOrderDetail:    {http.MethodGet, "/order/detail", true},
		routeSinglePosition: {http.MethodGet, "/position/singlePosition-v2", true},
		routeAllPositions:   {http.MethodGet, "/position/allPosition-v2", true},
		routePlaceTPSL:      {http.MethodPost, "/plan/placeTPSL", true},
		routeCancelPlan:     {http.MethodPost, "/plan/cancelPlan", true},
		routeSetLeverage:    {http.MethodPost, "/account/setLeverage", true},
		routePendingOrders:  {http.MethodGet, "/order/marginCoinCurrent", true},
	},
}

var v2Dialect = dialect{
	version:     "v2",
	productType: "USDT-FUTURES",
	routes: map[routeID]route{
		routeServerTime:     {http.MethodGet, "/public/time", false},
		routeAccounts:       {http.MethodGet, "/mix/account/accounts", true},
		routeContracts:      {http.MethodGet, "/mix/market/contracts", false},
		routeTicker:         {http.MethodGet, "/mix/market/ticker", false},
		routeCandles:        {http.MethodGet, "/mix/market/candles", false},
		routePlaceOrder:     {http.MethodPost, "/mix/order/place-order", true},
		routeCancelOrder:    {http.MethodPost, "/mix/order/cancel-order", true},
		routeOrderDetail:    {http.MethodGet, "/mix/order/detail", true},
		routeSinglePosition: {http.MethodGet, "/mix/position/single-position", true},
		routeAllPositions:   {http.MethodGet, "/mix/position/all-position", true},
		routePlaceTPSL:      {http.MethodPost, "/mix/order/place-tpsl-order", true},
		routeCancelPlan:     {http.MethodPost, "/mix/order/cancel-plan-order", true},
		routeSetLeverage:    {http.MethodPost, "/mix/account/set-leverage", true},
		routePendingOrders:  {http.MethodGet, "/mix/order/orders-pending", true},
	},
}

func dialectFor(version string) dialect {
	if version == "v1" {
		return v1Dialect
	}
	return v2Dialect
}

// symbol переводит символ в формат версии: v1 использует DOGEUSDT_UMCBL, v2 - DOGEUSDT
func (d dialect) symbol(s string) string {
	if d.version == "v1" {
		if !strings.Contains(s, "_") {
			return s + "_UMCBL"
		}
		return s
	}
	return models.BaseSymbol(s)
}

// sameSymbol сравнивает символы без учета суффикса продукта
func sameSymbol(a, b string) bool {
	return models.BaseSymbol(a) == models.BaseSymbol(b)
}
