package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, "pk_test", WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return client
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := NewClient("localhost:9000", "")
	require.Error(t, err)
}

func TestClientListRegions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/store/regions", r.URL.Path)
		require.Equal(t, "pk_test", r.Header.Get(publishableKeyHeader))
		_, _ = w.Write([]byte(`{"regions":[{"id":"reg_us","name":"US","currency_code":"USD","countries":[{"iso_2":"us","display_name":"United States"}]}]}`))
	})

	regions, err := client.ListRegions(context.Background())
	require.NoError(t, err)
	require.Len(t, regions, 1)
	require.Equal(t, "usd", regions[0].CurrencyCode)
	primary, ok := regions[0].PrimaryCountry()
	require.True(t, ok)
	require.Equal(t, "us", primary.ISO2)
}

func TestClientErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "not found", status: http.StatusNotFound, body: `{}`, want: domain.ErrNotFound},
		{name: "server error", status: http.StatusBadGateway, body: `oops`, want: domain.ErrTransient},
		{name: "bad request", status: http.StatusBadRequest, body: `{"message":"bad"}`, want: domain.ErrTransient},
		{name: "malformed json", status: http.StatusOK, body: `{"region":`, want: domain.ErrInvalidResponse},
		{name: "missing field", status: http.StatusOK, body: `{"something":1}`, want: domain.ErrInvalidResponse},
		{name: "region without currency", status: http.StatusOK, body: `{"region":{"id":"reg_x"}}`, want: domain.ErrInvalidResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			_, err := client.GetRegion(context.Background(), "reg_x")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestClientTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, err := NewClient(url, "")
	require.NoError(t, err)

	_, err = client.ListRegions(context.Background())
	require.ErrorIs(t, err, domain.ErrTransient)
}

func TestClientListProductsPagingAndPriceSort(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "12", q.Get("limit"))
		require.Equal(t, "12", q.Get("offset"))
		require.Equal(t, "reg_us", q.Get("region_id"))
		require.Equal(t, []string{"pcat_a"}, q["category_id[]"])
		require.Empty(t, q.Get("order"))

		_, _ = w.Write([]byte(`{"count":14,"products":[
			{"id":"p1","title":"Expensive","variants":[{"id":"v1","calculated_price":{"calculated_amount":5000,"currency_code":"usd"}}]},
			{"id":"p2","title":"No price","variants":[{"id":"v2"}]},
			{"id":"p3","title":"Cheap","variants":[{"id":"v3","calculated_price":{"calculated_amount":900,"original_amount":1200,"currency_code":"usd"}}]}
		]}`))
	})

	page, err := client.ListProducts(context.Background(), domain.ProductQuery{
		Page: 2, RegionID: "reg_us", CategoryIDs: []string{"pcat_a"}, Sort: domain.SortPriceAsc,
	})
	require.NoError(t, err)
	require.Equal(t, 2, page.Page)
	require.Equal(t, 14, page.Count)
	require.False(t, page.HasMore)
	require.Equal(t, []string{"p3", "p1", "p2"}, []string{page.Products[0].ID, page.Products[1].ID, page.Products[2].ID})
	require.NotNil(t, page.Products[0].Variants[0].Price.OriginalAmount)
	require.Nil(t, page.Products[2].Variants[0].Price)
}

func TestClientGetProductMapsVariantOptions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/store/products/prod_tee", r.URL.Path)
		_, _ = w.Write([]byte(`{"product":{"id":"prod_tee","title":"Tee",
			"options":[{"id":"opt_size","title":"Size","values":[{"id":"v_s","value":"S"},{"id":"v_m","value":"M"}]}],
			"variants":[{"id":"var_s","manage_inventory":true,"inventory_quantity":3,"options":[{"id":"v_s","value":"S","option_id":"opt_size"}]}]}}`))
	})

	product, err := client.GetProduct(context.Background(), "prod_tee", "reg_us")
	require.NoError(t, err)
	require.Equal(t, []string{"S", "M"}, product.Options[0].Values)
	require.Equal(t, domain.Selection{"opt_size": "S"}, product.Variants[0].Options)
	require.Equal(t, "prod_tee", product.Variants[0].ProductID)
	require.Equal(t, 3, product.Variants[0].InventoryQuantity)
}

func TestClientGetProductByHandleNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "missing", r.URL.Query().Get("handle"))
		_, _ = w.Write([]byte(`{"products":[]}`))
	})

	_, err := client.GetProductByHandle(context.Background(), "missing", "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientListCategoriesKeepsRoots(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"product_categories":[{"id":"a","name":"A"},{"id":"b","name":"B","parent_category_id":"a"}]}`))
	})

	categories, err := client.ListCategories(context.Background())
	require.NoError(t, err)
	require.Len(t, categories, 1)
	require.Equal(t, "a", categories[0].ID)
}

func TestClientCartMutations(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/store/carts/cart_1/line-items":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "var_1", body["variant_id"])
			require.EqualValues(t, 2, body["quantity"])
			_, _ = w.Write([]byte(`{"cart":{"id":"cart_1","region_id":"reg_us","currency_code":"usd","items":[
				{"id":"li_1","variant_id":"var_1","quantity":2,"unit_price":1000,"total":2000,"variant":{"manage_inventory":true,"inventory_quantity":5}}],"subtotal":2000,"total":2000}}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/store/carts/cart_1/line-items/li_1":
			_, _ = w.Write([]byte(`{"id":"li_1","deleted":true,"parent":{"id":"cart_1","region_id":"reg_us","currency_code":"usd","items":[]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	cart, err := client.AddLineItem(context.Background(), "cart_1", "var_1", 2)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	require.True(t, cart.Items[0].ManageInventory)
	require.Equal(t, 5, cart.Items[0].InventoryQuantity)

	cart, err = client.RemoveLineItem(context.Background(), "cart_1", "li_1")
	require.NoError(t, err)
	require.Empty(t, cart.Items)

	_, err = client.GetCart(context.Background(), "cart_gone")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientRejectsMalformedLineItem(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"cart":{"id":"cart_1","items":[{"id":"","quantity":1}]}}`))
	})

	_, err := client.GetCart(context.Background(), "cart_1")
	require.ErrorIs(t, err, domain.ErrInvalidResponse)
}
