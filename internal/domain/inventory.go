package domain

import "github.com/shopspring/decimal"

// InventoryItem — снимок товара, полученный от удалённого склада. Не кешируется.
type InventoryItem struct {
	ID          int64
	Name        string
	Stock       int
	Price       decimal.Decimal
	Description string
}

// WithStock возвращает копию снимка с новым остатком; имя, цена и описание сохраняются.
func (i InventoryItem) WithStock(stock int) InventoryItem {
	i.Stock = stock
	return i
}

// InventoryEndpoint описывает один настроенный склад.
type InventoryEndpoint struct {
	// Name — идентификатор склада, выбранный оператором.
	Name string
	// Key — подстрока, по которой имя товара маршрутизируется на этот склад.
	Key string
	// BaseURL — адрес REST API склада.
	BaseURL string
}
