package domain

// Role описывает роль действующего лица, пришедшая от gateway.
type Role string

const (
	RoleCustomer  Role = "customer"
	RoleShopOwner Role = "shop_owner"
	RoleAdmin     Role = "admin"
)

// Actor: аутентифицированный пользователь, от имени которого выполняется операция.
type Actor struct {
	UserID string
	Role   Role
	ShopID string
}

// System: действующее лицо для фоновых процессов (webhook, sweep).
var System = Actor{UserID: "system", Role: RoleAdmin}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// OwnsShop: пользователь управляет магазином shopID.
func (a Actor) OwnsShop(shopID string) bool {
	return a.Role == RoleShopOwner && a.ShopID != "" && a.ShopID == shopID
}

// CanView разрешает просмотр владельцу резерва, магазину и администратору.
func (a Actor) CanView(r Reservation) bool {
	return a.IsAdmin() || (a.UserID != "" && a.UserID == r.UserID) || a.OwnsShop(r.ShopID)
}

// CanManage: магазин-владелец товара или администратор.
func (a Actor) CanManage(r Reservation) bool {
	return a.IsAdmin() || a.OwnsShop(r.ShopID)
}
