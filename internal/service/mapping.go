package service

import (
	"checkout-service/internal/dto"
	"checkout-service/internal/model"
)

func paymentResponse(ptx *model.PaymentTransaction) *dto.PaymentResponse {
	if ptx == nil {
		return nil
	}
	return &dto.PaymentResponse{
		TransactionID: ptx.ID.String(),
		TotalAmount:   ptx.TotalAmount,
		PaymentURL:    ptx.URL(),
		ProviderRef:   ptx.Ref(),
		PaymentStatus: string(ptx.PaymentStatus),
		PaidDate:      ptx.PaidDate,
	}
}

func statusResponse(ptx *model.PaymentTransaction, status model.PaymentStatus) *dto.PaymentStatusResponse {
	return &dto.PaymentStatusResponse{
		Status:               string(status),
		ProviderRef:          ptx.Ref(),
		PaymentTransactionID: ptx.ID.String(),
		Paid:                 status == model.PaymentStatusPaid,
	}
}

func orderResponse(o *model.Order) *dto.OrderResponse {
	resp := &dto.OrderResponse{
		ID:            o.ID.String(),
		OrderNumber:   o.OrderNumber,
		CustomerID:    o.CustomerID,
		StoreID:       o.StoreID,
		Phone:         o.Phone,
		Address:       o.Address,
		TotalQuantity: o.TotalQuantity,
		TotalPrice:    o.TotalPrice,
		OrderStatus:   string(o.OrderStatus),
		PaymentMethod: string(o.PaymentMethod),
		PaymentStatus: string(o.PaymentStatus),
		CreatedAt:     o.CreatedAt,
	}
	if o.PaymentProvider != nil {
		resp.PaymentProvider = string(*o.PaymentProvider)
	}
	if o.PaymentTransactionID != nil {
		resp.PaymentTransactionID = o.PaymentTransactionID.String()
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, &dto.OrderItemResponse{
			BookID:     it.BookID,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
			TotalPrice: it.TotalPrice,
		})
	}
	return resp
}

func orderResponses(orders []*model.Order) []*dto.OrderResponse {
	out := make([]*dto.OrderResponse, len(orders))
	for i, o := range orders {
		out[i] = orderResponse(o)
	}
	return out
}
